package services

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/debtdesk/apiserver/types"
	"github.com/shopspring/decimal"
)

// Canonical upload column names.
const (
	FieldAccountNumber          = "accountNumber"
	FieldFirstName              = "firstName"
	FieldLastName               = "lastName"
	FieldOriginalAmount         = "originalAmount"
	FieldCurrentBalance         = "currentBalance"
	FieldEmail                  = "email"
	FieldPhone                  = "phone"
	FieldMobilePhone            = "mobilePhone"
	FieldAddress                = "address"
	FieldCity                   = "city"
	FieldState                  = "state"
	FieldZipCode                = "zipCode"
	FieldDateOfBirth            = "dateOfBirth"
	FieldChargeOffDate          = "chargeOffDate"
	FieldLastPaymentDate        = "lastPaymentDate"
	FieldLastPaymentAmount      = "lastPaymentAmount"
	FieldOriginalCreditor       = "originalCreditor"
	FieldStatus                 = "status"
	FieldPriority               = "priority"
	FieldPreferredContactMethod = "preferredContactMethod"
	FieldDoNotCall              = "doNotCall"
	FieldNotes                  = "notes"
)

// Field value kinds reported by the upload template.
const (
	KindText    = "text"
	KindDecimal = "decimal"
	KindDate    = "date"
	KindEnum    = "enum"
	KindBoolean = "boolean"
	KindEmail   = "email"
)

// FieldSpec describes one upload column.
type FieldSpec struct {
	Name        string   `json:"name"`
	Required    bool     `json:"required"`
	Kind        string   `json:"type"`
	Values      []string `json:"values,omitempty"`
	Description string   `json:"description"`
}

var accountFields = []FieldSpec{
	{Name: FieldAccountNumber, Required: true, Kind: KindText, Description: "Unique account number"},
	{Name: FieldFirstName, Required: true, Kind: KindText, Description: "Debtor first name"},
	{Name: FieldLastName, Required: true, Kind: KindText, Description: "Debtor last name"},
	{Name: FieldOriginalAmount, Required: true, Kind: KindDecimal, Description: "Original debt amount"},
	{Name: FieldCurrentBalance, Required: true, Kind: KindDecimal, Description: "Current outstanding balance"},
	{Name: FieldEmail, Kind: KindEmail, Description: "Email address"},
	{Name: FieldPhone, Kind: KindText, Description: "Primary phone number"},
	{Name: FieldMobilePhone, Kind: KindText, Description: "Mobile phone number"},
	{Name: FieldAddress, Kind: KindText, Description: "Street address"},
	{Name: FieldCity, Kind: KindText, Description: "City"},
	{Name: FieldState, Kind: KindText, Description: "State"},
	{Name: FieldZipCode, Kind: KindText, Description: "ZIP code"},
	{Name: FieldDateOfBirth, Kind: KindDate, Description: "Date of birth"},
	{Name: FieldChargeOffDate, Kind: KindDate, Description: "Charge-off date"},
	{Name: FieldLastPaymentDate, Kind: KindDate, Description: "Date of the last payment"},
	{Name: FieldLastPaymentAmount, Kind: KindDecimal, Description: "Amount of the last payment"},
	{Name: FieldOriginalCreditor, Kind: KindText, Description: "Original creditor"},
	{
		Name: FieldStatus, Kind: KindEnum, Description: "Account status, defaults to active",
		Values: []string{
			types.AccountStatusActive, types.AccountStatusInactive, types.AccountStatusPaymentPlan,
			types.AccountStatusDisputed, types.AccountStatusSettled, types.AccountStatusPaid,
			types.AccountStatusClosed, types.AccountStatusLegal,
		},
	},
	{
		Name: FieldPriority, Kind: KindEnum, Description: "Collection priority, defaults to medium",
		Values: []string{types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityUrgent},
	},
	{
		Name: FieldPreferredContactMethod, Kind: KindEnum, Description: "Preferred contact channel",
		Values: []string{types.ContactPhone, types.ContactEmail, types.ContactSMS, types.ContactMail},
	},
	{Name: FieldDoNotCall, Kind: KindBoolean, Description: "Do not call flag (true/false, yes/no, y/n, 1/0)"},
	{Name: FieldNotes, Kind: KindText, Description: "Free-form notes"},
}

// headerAliases maps normalized header text to a canonical field name.
var headerAliases = func() map[string]string {
	aliases := map[string]string{
		"accountno":     FieldAccountNumber,
		"acctnumber":    FieldAccountNumber,
		"acctno":        FieldAccountNumber,
		"fname":         FieldFirstName,
		"lname":         FieldLastName,
		"emailaddress":  FieldEmail,
		"phonenumber":   FieldPhone,
		"mobile":        FieldMobilePhone,
		"cellphone":     FieldMobilePhone,
		"zip":           FieldZipCode,
		"postalcode":    FieldZipCode,
		"dob":           FieldDateOfBirth,
		"balance":       FieldCurrentBalance,
		"creditor":      FieldOriginalCreditor,
		"contactmethod": FieldPreferredContactMethod,
		"dnc":           FieldDoNotCall,
	}
	for _, field := range accountFields {
		aliases[normalizeHeader(field.Name)] = field.Name
	}
	return aliases
}()

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"01-02-06",
}

// maxAmount is the exclusive upper bound of NUMERIC(14,2).
var maxAmount = decimal.New(1, 12)

func normalizeHeader(header string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(header)))
}

// mapHeader resolves each header cell to a canonical field name. Unknown
// columns map to "" and are ignored.
func mapHeader(header []string) []string {
	columns := make([]string, len(header))
	for i, cell := range header {
		columns[i] = headerAliases[normalizeHeader(strings.TrimPrefix(cell, "\ufeff"))]
	}
	return columns
}

// rowParser accumulates field errors while building an account from a row.
type rowParser struct {
	row  Row
	errs []types.BulkUploadError
}

func (p *rowParser) fail(field, value, format string, args ...any) {
	p.errs = append(p.errs, types.BulkUploadError{
		Row:     p.row.Number,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Value:   value,
	})
}

func (p *rowParser) required(field string) string {
	value := p.row.Values[field]
	if value == "" {
		p.fail(field, "", "%s is required", field)
	}
	return value
}

func (p *rowParser) optional(field string) *string {
	value := p.row.Values[field]
	if value == "" {
		return nil
	}
	return &value
}

func (p *rowParser) amount(field string, value string) (decimal.Decimal, bool) {
	amount, err := parseAmount(value)
	if err != nil {
		p.fail(field, value, "%s %s", field, err)
		return decimal.Decimal{}, false
	}
	return amount, true
}

func (p *rowParser) optionalAmount(field string) *decimal.Decimal {
	value := p.row.Values[field]
	if value == "" {
		return nil
	}
	amount, ok := p.amount(field, value)
	if !ok {
		return nil
	}
	return &amount
}

func (p *rowParser) date(field string) *time.Time {
	value := p.row.Values[field]
	if value == "" {
		return nil
	}
	parsed, err := parseDate(value)
	if err != nil {
		p.fail(field, value, "%s must be a date (YYYY-MM-DD or MM/DD/YYYY)", field)
		return nil
	}
	return &parsed
}

func (p *rowParser) enum(field string, allowed []string) *string {
	value := p.row.Values[field]
	if value == "" {
		return nil
	}
	normalized := strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(value))
	for _, candidate := range allowed {
		if normalized == candidate {
			return &candidate
		}
	}
	p.fail(field, value, "%s must be one of: %s", field, strings.Join(allowed, ", "))
	return nil
}

func (p *rowParser) flag(field string) *bool {
	value := p.row.Values[field]
	if value == "" {
		return nil
	}
	parsed, ok := parseFlag(value)
	if !ok {
		p.fail(field, value, "%s must be true/false, yes/no, y/n or 1/0", field)
		return nil
	}
	return &parsed
}

func (p *rowParser) email(field string) *string {
	value := p.row.Values[field]
	if value == "" {
		return nil
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value {
		p.fail(field, value, "%s is not a valid email address", field)
		return nil
	}
	return &value
}

// parseAccountRow validates a row and converts it into an account. Every
// field error of the row is reported, required fields first.
func parseAccountRow(row Row) (types.Account, []types.BulkUploadError) {
	p := &rowParser{row: row}

	account := types.Account{
		AccountNumber: p.required(FieldAccountNumber),
		FirstName:     p.required(FieldFirstName),
		LastName:      p.required(FieldLastName),
	}
	originalAmount := p.required(FieldOriginalAmount)
	currentBalance := p.required(FieldCurrentBalance)

	if originalAmount != "" {
		account.OriginalAmount, _ = p.amount(FieldOriginalAmount, originalAmount)
	}
	if currentBalance != "" {
		account.CurrentBalance, _ = p.amount(FieldCurrentBalance, currentBalance)
	}
	account.LastPaymentAmount = p.optionalAmount(FieldLastPaymentAmount)

	for _, field := range accountFields {
		if field.Kind == KindEnum {
			value := p.enum(field.Name, field.Values)
			switch field.Name {
			case FieldStatus:
				account.Status = value
			case FieldPriority:
				account.Priority = value
			case FieldPreferredContactMethod:
				account.PreferredContactMethod = value
			}
		}
	}

	account.Email = p.email(FieldEmail)
	account.DateOfBirth = p.date(FieldDateOfBirth)
	account.ChargeOffDate = p.date(FieldChargeOffDate)
	account.LastPaymentDate = p.date(FieldLastPaymentDate)
	account.DoNotCall = p.flag(FieldDoNotCall)

	account.Phone = p.optional(FieldPhone)
	account.MobilePhone = p.optional(FieldMobilePhone)
	account.Address = p.optional(FieldAddress)
	account.City = p.optional(FieldCity)
	account.State = p.optional(FieldState)
	account.ZipCode = p.optional(FieldZipCode)
	account.OriginalCreditor = p.optional(FieldOriginalCreditor)
	account.Notes = p.optional(FieldNotes)

	if len(p.errs) > 0 {
		return types.Account{}, p.errs
	}
	return account, nil
}

// parseAmount parses a non-negative money value with at most two
// fractional digits. Thousands separators, currency symbols and inner
// spaces are ignored. Exponent notation is rejected.
func parseAmount(value string) (decimal.Decimal, error) {
	cleaned := strings.NewReplacer(",", "", "$", "", " ", "").Replace(value)
	if strings.ContainsAny(cleaned, "eE") {
		return decimal.Decimal{}, fmt.Errorf("must be a decimal number")
	}
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("must be a decimal number")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return decimal.Decimal{}, fmt.Errorf("must have at most 2 decimal places")
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("must not be negative")
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return decimal.Decimal{}, fmt.Errorf("is too large")
	}
	return amount, nil
}

func parseDate(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parseFlag(value string) (bool, bool) {
	switch strings.ToLower(value) {
	case "true", "yes", "y", "1":
		return true, true
	case "false", "no", "n", "0":
		return false, true
	}
	return false, false
}
