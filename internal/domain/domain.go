package domain

const (
	UserTypeDonor     = "donor"
	UserTypeVolunteer = "volunteer"
	UserTypeReceiver  = "receiver"
	UserTypeNGO       = "ngo"
	UserTypeAdmin     = "admin"
)

const (
	ListingAvailable = "available"
	ListingClaimed   = "claimed"
	ListingCompleted = "completed"
	ListingExpired   = "expired"
	ListingCancelled = "cancelled"
)

const (
	MissionPending    = "pending"
	MissionAccepted   = "accepted"
	MissionInProgress = "in_progress"
	MissionCompleted  = "completed"
	MissionCancelled  = "cancelled"
	MissionFailed     = "failed"

	// TrackingLocationUpdate marks tracking entries that record movement without a status change.
	TrackingLocationUpdate = "location_update"
)

// Enumerations accepted on listings and messages.
var (
	FoodTypes    = []string{"cooked", "raw", "packaged", "groceries", "other"}
	Categories   = []string{"vegetarian", "non-vegetarian", "vegan", "mixed"}
	Urgencies    = []string{"low", "medium", "high"}
	MessageTypes = []string{"text", "image", "location", "system"}
	UserTypes    = []string{UserTypeDonor, UserTypeVolunteer, UserTypeReceiver, UserTypeNGO, UserTypeAdmin}
)

// IsTerminalMission reports whether no further transitions are allowed from status.
func IsTerminalMission(status string) bool {
	switch status {
	case MissionCompleted, MissionCancelled, MissionFailed:
		return true
	}
	return false
}

// IsReceiverType reports whether the user type receives donations.
func IsReceiverType(userType string) bool {
	return userType == UserTypeReceiver || userType == UserTypeNGO
}

type Coordinates struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90" validate:"latitude"`
	Lng float64 `json:"lng" minimum:"-180" maximum:"180" validate:"longitude"`
}

type Location struct {
	Address     string       `json:"address,omitempty" validate:"max=300"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type UserStats struct {
	ImpactScore       int `json:"impact_score"`
	TotalDonations    int `json:"total_donations"`
	MissionsCompleted int `json:"missions_completed"`
	TotalReceived     int `json:"total_received"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	UserType     string    `json:"user_type" enum:"donor,volunteer,receiver,ngo,admin"`
	Bio          string    `json:"bio,omitempty"`
	Address      Location  `json:"address"`
	ProfileImage string    `json:"profile_image,omitempty"`
	Rating       float64   `json:"rating"`
	TotalRatings int       `json:"total_ratings"`
	Stats        UserStats `json:"stats"`
	PasswordHash string    `json:"-"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
	UpdatedAt    string    `json:"updated_at" format:"date-time"`
}

// UserSummary is the public projection embedded in other resources.
type UserSummary struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	UserType     string  `json:"user_type"`
	ProfileImage string  `json:"profile_image,omitempty"`
	Rating       float64 `json:"rating"`
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, UserType: u.UserType, ProfileImage: u.ProfileImage, Rating: u.Rating}
}

type Requirements struct {
	Refrigeration   bool   `json:"refrigeration"`
	Transportation  bool   `json:"transportation"`
	SpecialHandling string `json:"special_handling,omitempty"`
}

type Interest struct {
	UserID string `json:"user_id"`
	At     string `json:"at" format:"date-time"`
}

type Listing struct {
	ID              string       `json:"id"`
	DonorID         string       `json:"donor_id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	FoodType        string       `json:"food_type" enum:"cooked,raw,packaged,groceries,other"`
	Category        string       `json:"category" enum:"vegetarian,non-vegetarian,vegan,mixed"`
	Quantity        string       `json:"quantity"`
	Servings        *int         `json:"servings,omitempty"`
	PickupLocation  Location     `json:"pickup_location"`
	AvailableFrom   string       `json:"available_from" format:"date-time"`
	AvailableUntil  string       `json:"available_until" format:"date-time"`
	ExpiryDate      *string      `json:"expiry_date,omitempty" format:"date-time"`
	Urgency         string       `json:"urgency" enum:"low,medium,high"`
	Requirements    Requirements `json:"requirements"`
	Images          []string     `json:"images"`
	Status          string       `json:"status" enum:"available,claimed,completed,expired,cancelled"`
	ClaimedBy       *string      `json:"claimed_by,omitempty"`
	ClaimedAt       *string      `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt     *string      `json:"completed_at,omitempty" format:"date-time"`
	Views           int          `json:"views"`
	InterestedUsers []Interest   `json:"interested_users"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
}

type TrackingUpdate struct {
	Status    string       `json:"status"`
	Location  *Coordinates `json:"location,omitempty"`
	Note      string       `json:"note,omitempty"`
	Timestamp string       `json:"timestamp" format:"date-time"`
}

type Rating struct {
	Score   int    `json:"score" minimum:"1" maximum:"5"`
	Comment string `json:"comment,omitempty"`
	RatedBy string `json:"rated_by"`
	RatedAt string `json:"rated_at" format:"date-time"`
}

type MissionRatings struct {
	Donor     *Rating `json:"donor_rating,omitempty"`
	Volunteer *Rating `json:"volunteer_rating,omitempty"`
	Receiver  *Rating `json:"receiver_rating,omitempty"`
}

type MissionPhotos struct {
	Pickup   []string `json:"pickup"`
	Delivery []string `json:"delivery"`
}

type ImpactMetrics struct {
	MealsServed  int     `json:"meals_served"`
	PeopleHelped int     `json:"people_helped"`
	CarbonOffset float64 `json:"carbon_offset"`
}

type Mission struct {
	ID                    string           `json:"id"`
	ListingID             string           `json:"listing_id"`
	DonorID               string           `json:"donor_id"`
	VolunteerID           string           `json:"volunteer_id"`
	ReceiverID            *string          `json:"receiver_id,omitempty"`
	Status                string           `json:"status" enum:"pending,accepted,in_progress,completed,cancelled,failed"`
	PickupLocation        Location         `json:"pickup_location"`
	DeliveryLocation      Location         `json:"delivery_location"`
	ScheduledPickupTime   string           `json:"scheduled_pickup_time" format:"date-time"`
	ScheduledDeliveryTime *string          `json:"scheduled_delivery_time,omitempty" format:"date-time"`
	ActualPickupTime      *string          `json:"actual_pickup_time,omitempty" format:"date-time"`
	ActualDeliveryTime    *string          `json:"actual_delivery_time,omitempty" format:"date-time"`
	EstimatedDistanceKm   *float64         `json:"estimated_distance_km,omitempty"`
	TrackingUpdates       []TrackingUpdate `json:"tracking_updates"`
	Photos                MissionPhotos    `json:"photos"`
	Ratings               MissionRatings   `json:"ratings"`
	Notes                 string           `json:"notes,omitempty"`
	CancellationReason    string           `json:"cancellation_reason,omitempty"`
	ImpactMetrics         ImpactMetrics    `json:"impact_metrics"`
	CreatedAt             string           `json:"created_at" format:"date-time"`
	UpdatedAt             string           `json:"updated_at" format:"date-time"`
}

// Participants returns the donor, volunteer and receiver (when set) ids.
func (m Mission) Participants() []string {
	ids := []string{m.DonorID, m.VolunteerID}
	if m.ReceiverID != nil && *m.ReceiverID != "" {
		ids = append(ids, *m.ReceiverID)
	}
	return ids
}

func (m Mission) IsParticipant(userID string) bool {
	for _, id := range m.Participants() {
		if id == userID {
			return true
		}
	}
	return false
}

type Message struct {
	// Seq is the insertion order; conversations sort and page by it.
	Seq            int64    `json:"-"`
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	ReceiverID     string   `json:"receiver_id"`
	ListingID      *string  `json:"listing_id,omitempty"`
	MissionID      *string  `json:"mission_id,omitempty"`
	Content        string   `json:"content"`
	MessageType    string   `json:"message_type" enum:"text,image,location,system"`
	Attachments    []string `json:"attachments"`
	IsRead         bool     `json:"is_read"`
	ReadAt         *string  `json:"read_at,omitempty" format:"date-time"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type Conversation struct {
	ID          string      `json:"conversation_id"`
	OtherUser   UserSummary `json:"other_user"`
	LastMessage Message     `json:"last_message"`
	UnreadCount int         `json:"unread_count"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
