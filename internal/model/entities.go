// Package model holds typed views of the records in every table, the
// status vocabularies, and the helpers for the structured data embedded
// in free-text Notes fields.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Social classes.
const (
	ClassFacchini   = "Facchini"
	ClassPopolani   = "Popolani"
	ClassCittadini  = "Cittadini"
	ClassNobili     = "Nobili"
	ClassForestieri = "Forestieri"
)

// StateAccount is the username that receives taxes and import costs and
// to which admin summaries are addressed.
const StateAccount = "ConsiglioDeiDieci"

// ForeignAccount is the counterparty for imported goods.
const ForeignAccount = "Italia"

// Activity statuses.
const (
	ActivityCreated    = "created"
	ActivityInProgress = "in_progress"
	ActivityProcessed  = "processed"
	ActivityFailed     = "failed"
)

// Stratagem statuses.
const (
	StratagemActive    = "active"
	StratagemExecuted  = "executed"
	StratagemFailed    = "failed"
	StratagemCancelled = "cancelled"
)

// Contract statuses.
const (
	ContractActive    = "active"
	ContractCancelled = "cancelled"
	ContractCompleted = "completed"
	ContractEndedByAI = "ended_by_ai"
)

// Contract types used by the engine.
const (
	ContractPublicSell       = "public_sell"
	ContractImport           = "import"
	ContractRecurrent        = "recurrent"
	ContractStorageQuery     = "storage_query"
	ContractPublicStorage    = "public_storage"
	ContractLogisticsRequest = "logistics_service_request"
	ContractLandOffer        = "land_offer"
	ContractLandBid          = "land_bid"
)

// Asset types of resource stacks.
const (
	AssetBuilding = "building"
	AssetCitizen  = "citizen"
)

// Loan statuses.
const (
	LoanActive    = "active"
	LoanPaid      = "paid"
	LoanDefaulted = "defaulted"
)

// Citizen is a resident of the city, human or AI.
type Citizen struct {
	RecordID              string          `json:"-"`
	Username              string          `json:"Username"`
	FirstName             string          `json:"FirstName,omitempty"`
	LastName              string          `json:"LastName,omitempty"`
	SocialClass           string          `json:"SocialClass"`
	IsAI                  bool            `json:"IsAI"`
	Ducats                decimal.Decimal `json:"Ducats"`
	Influence             float64         `json:"Influence"`
	Position              string          `json:"Position,omitempty"`
	CarryCapacityOverride float64         `json:"CarryCapacityOverride,omitempty"`
	LastActiveAt          *time.Time      `json:"LastActiveAt,omitempty"`
	AteAt                 *time.Time      `json:"AteAt,omitempty"`
	LastInfluenceAt       *time.Time      `json:"LastInfluenceAt,omitempty"`
}

// DisplayName is "First Last", falling back to the username.
func (c *Citizen) DisplayName() string {
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	if name == "" {
		return c.Username
	}
	return name
}

// Building is any structure on a land parcel.
type Building struct {
	RecordID        string     `json:"-"`
	BuildingId      string     `json:"BuildingId"`
	Name            string     `json:"Name,omitempty"`
	Type            string     `json:"Type"`
	Category        string     `json:"Category,omitempty"`
	SubCategory     string     `json:"SubCategory,omitempty"`
	Owner           string     `json:"Owner,omitempty"`
	RunBy           string     `json:"RunBy,omitempty"`
	Occupant        string     `json:"Occupant,omitempty"`
	Position        string     `json:"Position,omitempty"`
	Point           string     `json:"Point,omitempty"`
	LeasePrice      float64    `json:"LeasePrice,omitempty"`
	RentPrice       float64    `json:"RentPrice,omitempty"`
	Wages           float64    `json:"Wages,omitempty"`
	IsConstructed   bool       `json:"IsConstructed"`
	LandId          string     `json:"LandId,omitempty"`
	LastWagePaidAt  *time.Time `json:"LastWagePaidAt,omitempty"`
	LastRentPaidAt  *time.Time `json:"LastRentPaidAt,omitempty"`
	LastLeasePaidAt *time.Time `json:"LastLeasePaidAt,omitempty"`
	LastInfluenceAt *time.Time `json:"LastInfluenceAt,omitempty"`
}

// Operator is RunBy, falling back to Owner.
func (b *Building) Operator() string {
	if b.RunBy != "" {
		return b.RunBy
	}
	return b.Owner
}

// Label is a human-readable building name.
func (b *Building) Label() string {
	if b.Name != "" {
		return b.Name
	}
	return b.BuildingId
}

// Resource is one stack of a resource type held at a building or by a
// citizen, owned by Owner.
type Resource struct {
	RecordID   string    `json:"-"`
	ResourceId string    `json:"ResourceId"`
	Type       string    `json:"Type"`
	Name       string    `json:"Name,omitempty"`
	Asset      string    `json:"Asset"`
	AssetType  string    `json:"AssetType"`
	Owner      string    `json:"Owner"`
	Count      float64   `json:"Count"`
	CreatedAt  time.Time `json:"CreatedAt"`
	Notes      string    `json:"Notes,omitempty"`
}

// Contract is a standing offer or agreement between two parties.
type Contract struct {
	RecordID         string     `json:"-"`
	ContractId       string     `json:"ContractId"`
	Type             string     `json:"Type"`
	Title            string     `json:"Title,omitempty"`
	Seller           string     `json:"Seller,omitempty"`
	Buyer            string     `json:"Buyer,omitempty"`
	SellerBuilding   string     `json:"SellerBuilding,omitempty"`
	BuyerBuilding    string     `json:"BuyerBuilding,omitempty"`
	ResourceType     string     `json:"ResourceType,omitempty"`
	PricePerResource float64    `json:"PricePerResource"`
	TargetAmount     float64    `json:"TargetAmount"`
	Status           string     `json:"Status"`
	CreatedAt        time.Time  `json:"CreatedAt"`
	EndAt            time.Time  `json:"EndAt"`
	LastExecutedAt   *time.Time `json:"LastExecutedAt,omitempty"`
	Priority         int        `json:"Priority,omitempty"`
	StratagemLink    string     `json:"StratagemLink,omitempty"`
	Notes            string     `json:"Notes,omitempty"`
}

// Activity is one time-windowed step of a citizen's plan.
type Activity struct {
	RecordID     string    `json:"-"`
	ActivityId   string    `json:"ActivityId"`
	Citizen      string    `json:"Citizen"`
	Type         string    `json:"Type"`
	Status       string    `json:"Status"`
	Title        string    `json:"Title,omitempty"`
	Description  string    `json:"Description,omitempty"`
	StartDate    time.Time `json:"StartDate"`
	EndDate      time.Time `json:"EndDate"`
	CreatedAt    time.Time `json:"CreatedAt"`
	FromBuilding string    `json:"FromBuilding,omitempty"`
	ToBuilding   string    `json:"ToBuilding,omitempty"`
	Path         string    `json:"Path,omitempty"`
	Transporter  string    `json:"Transporter,omitempty"`
	ContractId   string    `json:"ContractId,omitempty"`
	Resources    string    `json:"Resources,omitempty"`
	Notes        string    `json:"Notes,omitempty"`
	Priority     int       `json:"Priority,omitempty"`
}

// Active reports whether the activity still keeps its citizen busy.
func (a *Activity) Active() bool {
	return a.Status == ActivityCreated || a.Status == ActivityInProgress
}

// Due reports whether the activity is eligible for processing at now.
func (a *Activity) Due(now time.Time) bool {
	return a.Active() && !now.Before(a.EndDate)
}

// Stratagem is a long-lived plan that spawns activities.
type Stratagem struct {
	RecordID           string     `json:"-"`
	StratagemId        string     `json:"StratagemId"`
	Type               string     `json:"Type"`
	Name               string     `json:"Name,omitempty"`
	Variant            string     `json:"Variant,omitempty"`
	Category           string     `json:"Category,omitempty"`
	ExecutedBy         string     `json:"ExecutedBy"`
	TargetCitizen      string     `json:"TargetCitizen,omitempty"`
	TargetBuilding     string     `json:"TargetBuilding,omitempty"`
	TargetResourceType string     `json:"TargetResourceType,omitempty"`
	TargetSector       string     `json:"TargetSector,omitempty"`
	Status             string     `json:"Status"`
	CreatedAt          time.Time  `json:"CreatedAt"`
	ExecutedAt         *time.Time `json:"ExecutedAt,omitempty"`
	ExpiresAt          time.Time  `json:"ExpiresAt"`
	Description        string     `json:"Description,omitempty"`
	Notes              string     `json:"Notes,omitempty"`
}

// Relationship is the pairwise record between two citizens, stored with
// Citizen1 < Citizen2.
type Relationship struct {
	RecordID        string     `json:"-"`
	Citizen1        string     `json:"Citizen1"`
	Citizen2        string     `json:"Citizen2"`
	TrustScore      float64    `json:"TrustScore"`
	StrengthScore   float64    `json:"StrengthScore"`
	LastInteraction *time.Time `json:"LastInteraction,omitempty"`
	Title           string     `json:"Title,omitempty"`
	Description     string     `json:"Description,omitempty"`
	QualifiedAt     *time.Time `json:"QualifiedAt,omitempty"`
	Status          string     `json:"Status,omitempty"`
	Notes           string     `json:"Notes,omitempty"`
}

// Transaction is an append-only journal row for a value transfer.
type Transaction struct {
	RecordID      string          `json:"-"`
	TransactionId string          `json:"TransactionId"`
	Type          string          `json:"Type"`
	AssetType     string          `json:"AssetType,omitempty"`
	Asset         string          `json:"Asset,omitempty"`
	Seller        string          `json:"Seller"`
	Buyer         string          `json:"Buyer"`
	Price         decimal.Decimal `json:"Price"`
	Notes         string          `json:"Notes,omitempty"`
	CreatedAt     time.Time       `json:"CreatedAt"`
	ExecutedAt    time.Time       `json:"ExecutedAt"`
}

// Notification is a row in a citizen's mailbox.
type Notification struct {
	RecordID       string     `json:"-"`
	NotificationId string     `json:"NotificationId"`
	Citizen        string     `json:"Citizen"`
	Type           string     `json:"Type"`
	Content        string     `json:"Content"`
	Details        string     `json:"Details,omitempty"`
	CreatedAt      time.Time  `json:"CreatedAt"`
	ReadAt         *time.Time `json:"ReadAt,omitempty"`
}

// Problem is an open issue attached to a citizen or asset.
type Problem struct {
	RecordID    string    `json:"-"`
	ProblemId   string    `json:"ProblemId"`
	Citizen     string    `json:"Citizen"`
	AssetType   string    `json:"AssetType,omitempty"`
	Asset       string    `json:"Asset,omitempty"`
	Type        string    `json:"Type,omitempty"`
	Severity    string    `json:"Severity,omitempty"`
	Status      string    `json:"Status"`
	Title       string    `json:"Title"`
	Description string    `json:"Description,omitempty"`
	CreatedAt   time.Time `json:"CreatedAt"`
}

// Land is a parcel whose owner collects leases from building owners.
type Land struct {
	RecordID            string  `json:"-"`
	LandId              string  `json:"LandId"`
	Owner               string  `json:"Owner,omitempty"`
	HistoricalName      string  `json:"HistoricalName,omitempty"`
	BuildingPointsCount int     `json:"BuildingPointsCount"`
	BuildingsCount      *int    `json:"BuildingsCount,omitempty"`
	LastIncome          float64 `json:"LastIncome,omitempty"`
}

// Label is a human-readable parcel name.
func (l *Land) Label() string {
	if l.HistoricalName != "" {
		return l.HistoricalName
	}
	return l.LandId
}

// Loan is a debt amortized daily.
type Loan struct {
	RecordID         string          `json:"-"`
	LoanId           string          `json:"LoanId"`
	Name             string          `json:"Name,omitempty"`
	Lender           string          `json:"Lender"`
	Borrower         string          `json:"Borrower"`
	Status           string          `json:"Status"`
	PrincipalAmount  decimal.Decimal `json:"PrincipalAmount"`
	InterestRate     float64         `json:"InterestRate,omitempty"`
	TermDays         int             `json:"TermDays,omitempty"`
	PaymentAmount    decimal.Decimal `json:"PaymentAmount"`
	RemainingBalance decimal.Decimal `json:"RemainingBalance"`
	LastPaymentDate  *time.Time      `json:"LastPaymentDate,omitempty"`
	CreatedAt        time.Time       `json:"CreatedAt"`
}

// Message is a persisted chat line between two citizens.
type Message struct {
	RecordID  string     `json:"-"`
	MessageId string     `json:"MessageId"`
	Sender    string     `json:"Sender"`
	Receiver  string     `json:"Receiver"`
	Content   string     `json:"Content"`
	Type      string     `json:"Type"`
	Channel   string     `json:"Channel,omitempty"`
	CreatedAt time.Time  `json:"CreatedAt"`
	ReadAt    *time.Time `json:"ReadAt,omitempty"`
}
