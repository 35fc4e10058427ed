package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/debtdesk/apiserver/types"
)

// AccountRepository handles persistence for debtor accounts.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) ExistsByAccountNumber(ctx context.Context, accountNumber string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, accountNumber).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Create inserts a new account. A clash on account_number is reported as
// types.ErrDuplicateAccount.
func (r *AccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	const query = `
		INSERT INTO accounts (
			account_number, first_name, last_name, original_amount, current_balance,
			email, phone, mobile_phone, address, city, state, zip_code,
			date_of_birth, charge_off_date, last_payment_date, last_payment_amount,
			original_creditor, status, priority, preferred_contact_method,
			do_not_call, notes, upload_batch_id, created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, COALESCE($18, 'active'), COALESCE($19, 'medium'), $20,
			COALESCE($21, FALSE), $22, $23, $24, $25
		)
		RETURNING id`
	err := r.db.QueryRowContext(
		ctx,
		query,
		account.AccountNumber,
		account.FirstName,
		account.LastName,
		account.OriginalAmount,
		account.CurrentBalance,
		account.Email,
		account.Phone,
		account.MobilePhone,
		account.Address,
		account.City,
		account.State,
		account.ZipCode,
		account.DateOfBirth,
		account.ChargeOffDate,
		account.LastPaymentDate,
		account.LastPaymentAmount,
		account.OriginalCreditor,
		account.Status,
		account.Priority,
		account.PreferredContactMethod,
		account.DoNotCall,
		account.Notes,
		account.UploadBatchID,
		account.CreatedAt,
		account.UpdatedAt,
	).Scan(&account.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Account{}, types.ErrDuplicateAccount
		}
		return types.Account{}, err
	}
	return account, nil
}

// UpdateByAccountNumber overwrites the required fields and every optional
// field that is set on account. Unset optional fields keep their stored value.
func (r *AccountRepository) UpdateByAccountNumber(ctx context.Context, account types.Account) (types.Account, error) {
	account.UpdatedAt = time.Now()

	const query = `
		UPDATE accounts
		SET first_name = $2,
			last_name = $3,
			original_amount = $4,
			current_balance = $5,
			email = COALESCE($6, email),
			phone = COALESCE($7, phone),
			mobile_phone = COALESCE($8, mobile_phone),
			address = COALESCE($9, address),
			city = COALESCE($10, city),
			state = COALESCE($11, state),
			zip_code = COALESCE($12, zip_code),
			date_of_birth = COALESCE($13, date_of_birth),
			charge_off_date = COALESCE($14, charge_off_date),
			last_payment_date = COALESCE($15, last_payment_date),
			last_payment_amount = COALESCE($16, last_payment_amount),
			original_creditor = COALESCE($17, original_creditor),
			status = COALESCE($18, status),
			priority = COALESCE($19, priority),
			preferred_contact_method = COALESCE($20, preferred_contact_method),
			do_not_call = COALESCE($21, do_not_call),
			notes = COALESCE($22, notes),
			upload_batch_id = COALESCE($23, upload_batch_id),
			updated_at = $24
		WHERE account_number = $1
		RETURNING id, created_at`
	err := r.db.QueryRowContext(
		ctx,
		query,
		account.AccountNumber,
		account.FirstName,
		account.LastName,
		account.OriginalAmount,
		account.CurrentBalance,
		account.Email,
		account.Phone,
		account.MobilePhone,
		account.Address,
		account.City,
		account.State,
		account.ZipCode,
		account.DateOfBirth,
		account.ChargeOffDate,
		account.LastPaymentDate,
		account.LastPaymentAmount,
		account.OriginalCreditor,
		account.Status,
		account.Priority,
		account.PreferredContactMethod,
		account.DoNotCall,
		account.Notes,
		account.UploadBatchID,
		account.UpdatedAt,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	return account, nil
}
