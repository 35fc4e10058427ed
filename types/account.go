package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account status values accepted on ingestion.
const (
	AccountStatusActive      = "active"
	AccountStatusInactive    = "inactive"
	AccountStatusPaymentPlan = "payment_plan"
	AccountStatusDisputed    = "disputed"
	AccountStatusSettled     = "settled"
	AccountStatusPaid        = "paid"
	AccountStatusClosed      = "closed"
	AccountStatusLegal       = "legal"
)

// Account priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Preferred contact methods.
const (
	ContactPhone = "phone"
	ContactEmail = "email"
	ContactSMS   = "sms"
	ContactMail  = "mail"
)

// Account is a debtor account worked by collectors.
//
// AccountNumber is unique across the store. Optional fields are pointers so
// that an update from a sparse upload row leaves existing values untouched.
type Account struct {
	ID                     int64            `json:"id" db:"id"`
	AccountNumber          string           `json:"accountNumber" db:"account_number"`
	FirstName              string           `json:"firstName" db:"first_name"`
	LastName               string           `json:"lastName" db:"last_name"`
	OriginalAmount         decimal.Decimal  `json:"originalAmount" db:"original_amount"`
	CurrentBalance         decimal.Decimal  `json:"currentBalance" db:"current_balance"`
	Email                  *string          `json:"email,omitempty" db:"email"`
	Phone                  *string          `json:"phone,omitempty" db:"phone"`
	MobilePhone            *string          `json:"mobilePhone,omitempty" db:"mobile_phone"`
	Address                *string          `json:"address,omitempty" db:"address"`
	City                   *string          `json:"city,omitempty" db:"city"`
	State                  *string          `json:"state,omitempty" db:"state"`
	ZipCode                *string          `json:"zipCode,omitempty" db:"zip_code"`
	DateOfBirth            *time.Time       `json:"dateOfBirth,omitempty" db:"date_of_birth"`
	ChargeOffDate          *time.Time       `json:"chargeOffDate,omitempty" db:"charge_off_date"`
	LastPaymentDate        *time.Time       `json:"lastPaymentDate,omitempty" db:"last_payment_date"`
	LastPaymentAmount      *decimal.Decimal `json:"lastPaymentAmount,omitempty" db:"last_payment_amount"`
	OriginalCreditor       *string          `json:"originalCreditor,omitempty" db:"original_creditor"`
	Status                 *string          `json:"status,omitempty" db:"status"`
	Priority               *string          `json:"priority,omitempty" db:"priority"`
	PreferredContactMethod *string          `json:"preferredContactMethod,omitempty" db:"preferred_contact_method"`
	DoNotCall              *bool            `json:"doNotCall,omitempty" db:"do_not_call"`
	Notes                  *string          `json:"notes,omitempty" db:"notes"`

	// UploadBatchID links the account to the batch that last wrote it.
	UploadBatchID *string `json:"uploadBatchId,omitempty" db:"upload_batch_id"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
