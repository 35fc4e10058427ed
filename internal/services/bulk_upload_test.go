package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/debtdesk/apiserver/internal/mq"
	"github.com/debtdesk/apiserver/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const uploadHeader = "accountNumber,firstName,lastName,originalAmount,currentBalance\n"

// threeRowCSV has an invalid negative amount on row 2.
const threeRowCSV = uploadHeader +
	"A-1,Jane,Doe,100.00,50.00\n" +
	"A-2,John,Roe,-5,10\n" +
	"A-3,Ana,Lima,30,30\n"

type bulkFixture struct {
	svc      *BulkUploadService
	accounts *memAccounts
	batches  *memBatches
	events   *recordingPublisher
}

func newBulkFixture(t *testing.T, opts BulkUploadOptions, existing ...string) *bulkFixture {
	t.Helper()
	f := &bulkFixture{
		accounts: newMemAccounts(existing...),
		batches:  newMemBatches(),
		events:   &recordingPublisher{},
	}
	if opts.Events == nil {
		opts.Events = f.events
	}
	f.svc = NewBulkUploadService(f.accounts, f.batches, opts)
	return f
}

func (f *bulkFixture) upload(t *testing.T, csv string, opts UploadOptions) types.UploadBatch {
	t.Helper()
	batch, err := f.svc.ProcessUpload(context.Background(), UploadFile{Name: "accounts.csv", Data: []byte(csv)}, 7, opts)
	require.NoError(t, err)
	return batch
}

func assertCountingInvariant(t *testing.T, batch types.UploadBatch) {
	t.Helper()
	assert.LessOrEqual(t, batch.SuccessfulRecords+batch.FailedRecords, batch.TotalRecords)
	assert.LessOrEqual(t, batch.SuccessfulRecords+batch.FailedRecords+batch.Duplicates, batch.TotalRecords)
}

func TestProcessUploadSkipErrors(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	batch := f.upload(t, threeRowCSV, UploadOptions{BatchName: "march", SkipErrors: true})

	assert.Equal(t, types.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 3, batch.TotalRecords)
	assert.Equal(t, 2, batch.SuccessfulRecords)
	assert.Equal(t, 1, batch.FailedRecords)
	assert.Zero(t, batch.Duplicates)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, 2, batch.Errors[0].Row)
	assert.Equal(t, FieldOriginalAmount, batch.Errors[0].Field)
	assert.Equal(t, "-5", batch.Errors[0].Value)
	assert.NotEmpty(t, batch.Errors[0].Message)
	assert.NotNil(t, batch.CompletedAt)
	assert.Contains(t, batch.Message, "Processed 3 records")
	assertCountingInvariant(t, batch)

	_, ok := f.accounts.get("A-2")
	assert.False(t, ok)
	stored, ok := f.accounts.get("A-3")
	require.True(t, ok)
	require.NotNil(t, stored.UploadBatchID)
	assert.Equal(t, batch.BatchID, *stored.UploadBatchID)

	persisted, err := f.svc.GetBatchStatus(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, batch, persisted)
	assert.Equal(t, "march", persisted.BatchName)
	assert.Equal(t, 7, persisted.UploadedBy)
}

func TestProcessUploadStopsOnFirstFailure(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	batch := f.upload(t, threeRowCSV, UploadOptions{SkipErrors: false})

	assert.Equal(t, types.BatchStatusFailed, batch.Status)
	assert.Equal(t, 1, batch.SuccessfulRecords)
	assert.Equal(t, 1, batch.FailedRecords)
	assert.Equal(t, 3, batch.TotalRecords)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, 2, batch.Errors[0].Row)
	assert.Contains(t, batch.Message, "row 2")
	assertCountingInvariant(t, batch)

	_, ok := f.accounts.get("A-3")
	assert.False(t, ok, "row 3 must not be attempted")
	assert.Equal(t, 1, f.accounts.creates)
}

// malformedCSV has a stray quote on row 2 that the CSV decoder rejects.
const malformedCSV = uploadHeader +
	"A-1,Jane,Doe,100.00,50.00\n" +
	"A-2,\"Jo\"hn,Roe,10,10\n" +
	"A-3,Ana,Lima,30,30\n"

func TestProcessUploadMalformedRow(t *testing.T) {
	t.Run("skipped with skipErrors", func(t *testing.T) {
		f := newBulkFixture(t, BulkUploadOptions{})

		batch := f.upload(t, malformedCSV, UploadOptions{SkipErrors: true})

		assert.Equal(t, types.BatchStatusCompleted, batch.Status)
		assert.Equal(t, 3, batch.TotalRecords)
		assert.Equal(t, 2, batch.SuccessfulRecords)
		assert.Equal(t, 1, batch.FailedRecords)
		require.Len(t, batch.Errors, 1)
		assert.Equal(t, 2, batch.Errors[0].Row)
		assert.Contains(t, batch.Errors[0].Message, "could not be read")
		assertCountingInvariant(t, batch)

		_, ok := f.accounts.get("A-3")
		assert.True(t, ok)
	})

	t.Run("aborts without skipErrors", func(t *testing.T) {
		f := newBulkFixture(t, BulkUploadOptions{})

		batch := f.upload(t, malformedCSV, UploadOptions{})

		assert.Equal(t, types.BatchStatusFailed, batch.Status)
		assert.Equal(t, 3, batch.TotalRecords)
		assert.Equal(t, 1, batch.SuccessfulRecords)
		assert.Equal(t, 1, batch.FailedRecords)
		assert.Contains(t, batch.Message, "row 2")
		assertCountingInvariant(t, batch)

		_, ok := f.accounts.get("A-3")
		assert.False(t, ok)
	})
}

func TestProcessUploadDuplicates(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{}, "A-1")

	batch := f.upload(t, uploadHeader+"A-1,Jane,Doe,100,50\nA-9,Max,Moe,1,1\n", UploadOptions{SkipErrors: true})

	assert.Equal(t, types.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.TotalRecords)
	assert.Equal(t, 1, batch.Duplicates)
	assert.Equal(t, 1, batch.SuccessfulRecords)
	assert.Zero(t, batch.FailedRecords)
	assert.Empty(t, batch.Errors)
	assert.Zero(t, f.accounts.updates)

	existing, _ := f.accounts.get("A-1")
	assert.Equal(t, "Existing", existing.FirstName)
}

func TestProcessUploadUpdateExisting(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{}, "A-1")

	batch := f.upload(t, uploadHeader+"A-1,Jane,Doe,100,50\n", UploadOptions{UpdateExisting: true})

	assert.Equal(t, 1, batch.SuccessfulRecords)
	assert.Zero(t, batch.Duplicates)
	assert.Equal(t, 1, f.accounts.updates)

	updated, _ := f.accounts.get("A-1")
	assert.Equal(t, "Jane", updated.FirstName)
	assert.True(t, decimal.RequireFromString("50").Equal(updated.CurrentBalance))
}

func TestProcessUploadValidationBeforeDuplicateCheck(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{}, "A-1")

	batch := f.upload(t, uploadHeader+"A-1,,Doe,100,50\n", UploadOptions{SkipErrors: true})

	assert.Zero(t, batch.Duplicates)
	assert.Equal(t, 1, batch.FailedRecords)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, FieldFirstName, batch.Errors[0].Field)
}

func TestProcessUploadBlankRowsAreSkipped(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	batch := f.upload(t, uploadHeader+",,,,\nA-1,Jane,Doe,1,1\n  , , ,,\nA-2,John,Roe,x,1\n", UploadOptions{SkipErrors: true})

	assert.Equal(t, 2, batch.TotalRecords)
	assert.Equal(t, 1, batch.SuccessfulRecords)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, 4, batch.Errors[0].Row)
}

func TestProcessUploadReportsEveryFieldErrorOnce(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	csv := "accountNumber,firstName,lastName,originalAmount,currentBalance,status,priority,email,doNotCall,dateOfBirth\n" +
		",Jane,Doe,abc,1,closed-ish,urgent,not-an-email,maybe,31/31/2020\n"
	batch := f.upload(t, csv, UploadOptions{SkipErrors: true})

	assert.Equal(t, 1, batch.FailedRecords)
	fields := make([]string, 0, len(batch.Errors))
	for _, rowErr := range batch.Errors {
		assert.Equal(t, 1, rowErr.Row)
		fields = append(fields, rowErr.Field)
	}
	assert.Equal(t, []string{
		FieldAccountNumber, FieldOriginalAmount, FieldStatus, FieldEmail, FieldDateOfBirth, FieldDoNotCall,
	}, fields)
}

func TestProcessUploadParsesOptionalFields(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf,
		[]string{"Account Number", "First Name", "Last Name", "Original Amount", "Current Balance",
			"Status", "Priority", "Preferred Contact Method", "Do Not Call", "Charge Off Date", "Last Payment Amount", "Email", "Notes"},
		[][]string{{"B-1", "Ana", "Lima", "$1,000.50", "1 000", "Payment Plan", "HIGH", "sms", "Y", "03/15/2024", "25", "ana@example.com", "line1\nline2"}},
	))
	batch := f.upload(t, buf.String(), UploadOptions{})
	require.Equal(t, 1, batch.SuccessfulRecords, batch.Errors)

	account, ok := f.accounts.get("B-1")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("1000.50").Equal(account.OriginalAmount))
	assert.True(t, decimal.RequireFromString("1000").Equal(account.CurrentBalance))
	require.NotNil(t, account.Status)
	assert.Equal(t, types.AccountStatusPaymentPlan, *account.Status)
	require.NotNil(t, account.Priority)
	assert.Equal(t, types.PriorityHigh, *account.Priority)
	require.NotNil(t, account.PreferredContactMethod)
	assert.Equal(t, types.ContactSMS, *account.PreferredContactMethod)
	require.NotNil(t, account.DoNotCall)
	assert.True(t, *account.DoNotCall)
	require.NotNil(t, account.ChargeOffDate)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), *account.ChargeOffDate)
	require.NotNil(t, account.LastPaymentAmount)
	assert.True(t, decimal.RequireFromString("25").Equal(*account.LastPaymentAmount))
	require.NotNil(t, account.Notes)
	assert.Equal(t, "line1\nline2", *account.Notes)
	assert.Nil(t, account.Phone)
}

func TestProcessUploadConcurrentInsertIsRowFailure(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})
	f.accounts.raceOn["A-1"] = true

	batch := f.upload(t, uploadHeader+"A-1,Jane,Doe,1,1\nA-2,John,Roe,1,1\n", UploadOptions{SkipErrors: true})

	assert.Equal(t, types.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 1, batch.FailedRecords)
	assert.Equal(t, 1, batch.SuccessfulRecords)
	require.Len(t, batch.Errors, 1)
	assert.Equal(t, FieldAccountNumber, batch.Errors[0].Field)
}

func TestProcessUploadConcurrentInsertFallsBackToUpdate(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})
	f.accounts.raceOn["A-1"] = true

	batch := f.upload(t, uploadHeader+"A-1,Jane,Doe,1,1\n", UploadOptions{UpdateExisting: true})

	assert.Equal(t, 1, batch.SuccessfulRecords)
	assert.Equal(t, 1, f.accounts.updates)
}

func TestProcessUploadRowBudget(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{MaxRows: 2})

	batch := f.upload(t, threeRowCSV, UploadOptions{SkipErrors: true})

	assert.Equal(t, types.BatchStatusFailed, batch.Status)
	assert.Equal(t, 2, batch.TotalRecords)
	assert.Equal(t, 1, batch.SuccessfulRecords)
	assert.Equal(t, 1, batch.FailedRecords)
	assert.Contains(t, batch.Message, "limit of 2 rows")

	persisted, err := f.svc.GetBatchStatus(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusFailed, persisted.Status)
}

func TestProcessUploadPersistenceFailure(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})
	f.accounts.failOn["A-2"] = errors.New("connection reset")

	batch, err := f.svc.ProcessUpload(context.Background(), UploadFile{Name: "accounts.csv", Data: []byte(
		uploadHeader + "A-1,Jane,Doe,1,1\nA-2,John,Roe,1,1\nA-3,Ana,Lima,1,1\n",
	)}, 7, UploadOptions{SkipErrors: true})
	require.ErrorContains(t, err, "connection reset")

	assert.Equal(t, types.BatchStatusFailed, batch.Status)
	assert.Equal(t, 1, batch.SuccessfulRecords)
	persisted, getErr := f.svc.GetBatchStatus(context.Background(), batch.BatchID)
	require.NoError(t, getErr)
	assert.Equal(t, types.BatchStatusFailed, persisted.Status)
}

func TestProcessUploadArchivesSourceFile(t *testing.T) {
	archive := newMemArchive()
	f := newBulkFixture(t, BulkUploadOptions{Archive: archive})

	batch := f.upload(t, threeRowCSV, UploadOptions{SkipErrors: true})

	assert.Equal(t, "bulk-uploads/"+batch.BatchID+"/accounts.csv", batch.ObjectKey)
	assert.Equal(t, []byte(threeRowCSV), archive.objects[batch.ObjectKey])
	assert.Empty(t, archive.deleted)
}

func TestProcessUploadDeletesArchiveWhenBatchCreateFails(t *testing.T) {
	archive := newMemArchive()
	f := newBulkFixture(t, BulkUploadOptions{Archive: archive})
	f.batches.createErr = errors.New("connection refused")

	_, err := f.svc.ProcessUpload(context.Background(), UploadFile{Name: "accounts.csv", Data: []byte(threeRowCSV)}, 7, UploadOptions{})
	require.ErrorContains(t, err, "create batch")

	require.Len(t, archive.deleted, 1)
	assert.Contains(t, archive.deleted[0], "/accounts.csv")
	assert.Empty(t, archive.objects)
	assert.Empty(t, f.accounts.byNumber)
}

func TestProcessUploadCancelledContextStillFinalizes(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := f.svc.ProcessUpload(ctx, UploadFile{Name: "accounts.csv", Data: []byte(threeRowCSV)}, 7, UploadOptions{SkipErrors: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.BatchStatusFailed, batch.Status)
	assert.Zero(t, batch.TotalRecords)

	persisted, getErr := f.svc.GetBatchStatus(context.Background(), batch.BatchID)
	require.NoError(t, getErr)
	assert.Equal(t, types.BatchStatusFailed, persisted.Status)
	assert.Contains(t, persisted.Message, "cancelled")
}

func TestProcessUploadRejectsUnsupportedFiles(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	_, err := f.svc.ProcessUpload(context.Background(), UploadFile{Name: "accounts.pdf", Data: []byte("%PDF")}, 7, UploadOptions{})
	require.ErrorIs(t, err, types.ErrUnsupportedFormat)
	assert.Empty(t, f.batches.created)
}

func TestProcessUploadPublishesCompletion(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	batch := f.upload(t, threeRowCSV, UploadOptions{SkipErrors: true})

	require.Equal(t, []string{mq.ChannelBatchCompleted}, f.events.channels)
	event, ok := f.events.values[0].(BatchCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, batch.BatchID, event.BatchID)
	assert.Equal(t, types.BatchStatusCompleted, event.Status)
	assert.Equal(t, 2, event.SuccessfulRecords)
}

func TestGetBatchStatusUnknown(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	_, err := f.svc.GetBatchStatus(context.Background(), "2f1c0f4e-5a47-4c1e-9a53-2a8ef1f0b111")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.svc.GetBatchStatus(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetBatchHistory(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	f := newBulkFixture(t, BulkUploadOptions{Now: func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}})

	first := f.upload(t, uploadHeader+"A-1,Jane,Doe,1,1\n", UploadOptions{})
	second := f.upload(t, uploadHeader+"A-2,Jane,Doe,1,1\n", UploadOptions{})
	other, err := f.svc.ProcessUpload(context.Background(), UploadFile{Name: "o.csv", Data: []byte(uploadHeader + "A-3,Jane,Doe,1,1\n")}, 8, UploadOptions{})
	require.NoError(t, err)

	userID := 7
	items, total, err := f.svc.GetBatchHistory(context.Background(), &userID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, second.BatchID, items[0].BatchID)
	assert.Equal(t, first.BatchID, items[1].BatchID)

	items, total, err = f.svc.GetBatchHistory(context.Background(), nil, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, other.BatchID, items[0].BatchID)

	items, _, err = f.svc.GetBatchHistory(context.Background(), nil, -5, 0)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestTemplate(t *testing.T) {
	f := newBulkFixture(t, BulkUploadOptions{})

	tmpl := f.svc.Template()
	assert.Equal(t, []string{FieldAccountNumber, FieldFirstName, FieldLastName, FieldOriginalAmount, FieldCurrentBalance}, tmpl.Required)
	assert.Len(t, tmpl.Fields, len(accountFields))

	batch := f.upload(t, tmpl.SampleCSV, UploadOptions{})
	assert.Equal(t, types.BatchStatusCompleted, batch.Status)
	assert.Equal(t, len(templateSample), batch.SuccessfulRecords, batch.Errors)
}
