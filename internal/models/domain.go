package models

import "github.com/shopspring/decimal"

// Collection names as used on the wire and as local table names.
const (
	CollectionDeposits = "deposits"
	CollectionArticles = "articles"
	CollectionContacts = "contacts"
	CollectionSales    = "sales"
)

// Collections lists every synchronized entity set, in the order they are
// written during an initial sync.
var Collections = []string{CollectionContacts, CollectionDeposits, CollectionArticles, CollectionSales}

// IsCollection reports whether name is a synchronized entity set.
func IsCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Article statuses.
const (
	ArticleAvailable = "available"
	ArticleSold      = "sold"
	ArticleReturned  = "returned"
)

// SyncFields is embedded in every synchronized row. UpdatedAt is stamped by the
// server clock and drives delta queries; SourceTS is the client timestamp of the
// operation that last wrote the row and drives last-write-wins on push.
type SyncFields struct {
	UpdatedAt int64  `db:"updated_at" gorm:"index;autoUpdateTime:false" json:"updatedAt"`
	DeletedAt *int64 `db:"deleted_at" json:"deletedAt,omitempty"`
	SourceTS  int64  `db:"-" gorm:"column:source_ts" json:"-"`
}

// Stamp records a server-side write.
func (f *SyncFields) Stamp(updatedAt, sourceTS int64) {
	f.UpdatedAt = updatedAt
	f.SourceTS = sourceTS
}

// MarkDeleted turns the row into a tombstone so the delete reaches other
// terminals through delta sync.
func (f *SyncFields) MarkDeleted(at int64) {
	f.DeletedAt = &at
}

// SourceTimestamp returns the client timestamp of the last applied write.
func (f *SyncFields) SourceTimestamp() int64 {
	return f.SourceTS
}

// Row is a synchronized record that the local store can write and read
// without per-type SQL.
type Row interface {
	TableName() string
	GetID() string
	Columns() []string
	Values() []any
	Targets() []any
}

// Deposit is a batch of articles brought in by one seller.
type Deposit struct {
	ID            string `db:"id" gorm:"primaryKey;size:36" json:"id"`
	ContactID     string `db:"contact_id" gorm:"size:36;index" json:"contactId"`
	WorkstationID int    `db:"workstation_id" json:"workstationId"`
	DepositIndex  int    `db:"deposit_index" json:"depositIndex"`
	Type          string `db:"type" gorm:"size:16" json:"type"`
	CreatedAt     int64  `db:"created_at" gorm:"autoCreateTime:false" json:"createdAt"`
	SyncFields
}

func (Deposit) TableName() string { return CollectionDeposits }
func (d *Deposit) GetID() string  { return d.ID }

func (d *Deposit) Columns() []string {
	return []string{"id", "contact_id", "workstation_id", "deposit_index", "type", "created_at", "updated_at", "deleted_at"}
}

func (d *Deposit) Values() []any {
	return []any{d.ID, d.ContactID, d.WorkstationID, d.DepositIndex, d.Type, d.CreatedAt, d.UpdatedAt, d.DeletedAt}
}

func (d *Deposit) Targets() []any {
	return []any{&d.ID, &d.ContactID, &d.WorkstationID, &d.DepositIndex, &d.Type, &d.CreatedAt, &d.UpdatedAt, &d.DeletedAt}
}

// Article is one item offered for resale.
type Article struct {
	ID          string          `db:"id" gorm:"primaryKey;size:36" json:"id"`
	DepositID   string          `db:"deposit_id" gorm:"size:36;index" json:"depositId"`
	Code        string          `db:"code" gorm:"size:32;index" json:"code"`
	Category    string          `db:"category" json:"category"`
	Brand       string          `db:"brand" json:"brand"`
	Model       string          `db:"model" json:"model"`
	Size        string          `db:"size" json:"size"`
	Color       string          `db:"color" json:"color"`
	Description string          `db:"description" json:"description"`
	Price       decimal.Decimal `db:"price" gorm:"type:decimal(10,2)" json:"price"`
	Status      string          `db:"status" gorm:"size:16" json:"status"`
	SaleID      *string         `db:"sale_id" gorm:"size:36;index" json:"saleId,omitempty"`
	SyncFields
}

func (Article) TableName() string { return CollectionArticles }
func (a *Article) GetID() string  { return a.ID }

func (a *Article) Columns() []string {
	return []string{"id", "deposit_id", "code", "category", "brand", "model", "size", "color",
		"description", "price", "status", "sale_id", "updated_at", "deleted_at"}
}

func (a *Article) Values() []any {
	return []any{a.ID, a.DepositID, a.Code, a.Category, a.Brand, a.Model, a.Size, a.Color,
		a.Description, a.Price, a.Status, a.SaleID, a.UpdatedAt, a.DeletedAt}
}

func (a *Article) Targets() []any {
	return []any{&a.ID, &a.DepositID, &a.Code, &a.Category, &a.Brand, &a.Model, &a.Size, &a.Color,
		&a.Description, &a.Price, &a.Status, &a.SaleID, &a.UpdatedAt, &a.DeletedAt}
}

// Contact is a seller or buyer.
type Contact struct {
	ID         string `db:"id" gorm:"primaryKey;size:36" json:"id"`
	FirstName  string `db:"first_name" json:"firstName"`
	LastName   string `db:"last_name" json:"lastName"`
	Email      string `db:"email" json:"email"`
	Phone      string `db:"phone" json:"phone"`
	City       string `db:"city" json:"city"`
	PostalCode string `db:"postal_code" json:"postalCode"`
	SyncFields
}

func (Contact) TableName() string { return CollectionContacts }
func (c *Contact) GetID() string  { return c.ID }

func (c *Contact) Columns() []string {
	return []string{"id", "first_name", "last_name", "email", "phone", "city", "postal_code", "updated_at", "deleted_at"}
}

func (c *Contact) Values() []any {
	return []any{c.ID, c.FirstName, c.LastName, c.Email, c.Phone, c.City, c.PostalCode, c.UpdatedAt, c.DeletedAt}
}

func (c *Contact) Targets() []any {
	return []any{&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.City, &c.PostalCode, &c.UpdatedAt, &c.DeletedAt}
}

// Sale is one checkout at a workstation.
type Sale struct {
	ID            string          `db:"id" gorm:"primaryKey;size:36" json:"id"`
	ContactID     *string         `db:"contact_id" gorm:"size:36" json:"contactId,omitempty"`
	WorkstationID int             `db:"workstation_id" json:"workstationId"`
	SaleIndex     int             `db:"sale_index" json:"saleIndex"`
	Total         decimal.Decimal `db:"total" gorm:"type:decimal(10,2)" json:"total"`
	CashAmount    decimal.Decimal `db:"cash_amount" gorm:"type:decimal(10,2)" json:"cashAmount"`
	CardAmount    decimal.Decimal `db:"card_amount" gorm:"type:decimal(10,2)" json:"cardAmount"`
	CheckAmount   decimal.Decimal `db:"check_amount" gorm:"type:decimal(10,2)" json:"checkAmount"`
	RefundedAt    *int64          `db:"refunded_at" json:"refundedAt,omitempty"`
	CreatedAt     int64           `db:"created_at" gorm:"autoCreateTime:false" json:"createdAt"`
	SyncFields
}

func (Sale) TableName() string { return CollectionSales }
func (s *Sale) GetID() string  { return s.ID }

func (s *Sale) Columns() []string {
	return []string{"id", "contact_id", "workstation_id", "sale_index", "total", "cash_amount",
		"card_amount", "check_amount", "refunded_at", "created_at", "updated_at", "deleted_at"}
}

func (s *Sale) Values() []any {
	return []any{s.ID, s.ContactID, s.WorkstationID, s.SaleIndex, s.Total, s.CashAmount,
		s.CardAmount, s.CheckAmount, s.RefundedAt, s.CreatedAt, s.UpdatedAt, s.DeletedAt}
}

func (s *Sale) Targets() []any {
	return []any{&s.ID, &s.ContactID, &s.WorkstationID, &s.SaleIndex, &s.Total, &s.CashAmount,
		&s.CardAmount, &s.CheckAmount, &s.RefundedAt, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt}
}

// NewRow returns an empty row for collection, or nil if the name is unknown.
func NewRow(collection string) Row {
	switch collection {
	case CollectionDeposits:
		return &Deposit{}
	case CollectionArticles:
		return &Article{}
	case CollectionContacts:
		return &Contact{}
	case CollectionSales:
		return &Sale{}
	}
	return nil
}
