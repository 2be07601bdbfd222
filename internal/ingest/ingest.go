package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/provider"
	"github.com/driftwood-hq/mailsync/internal/store"
)

// Ingestor is the email upsert engine: it deduplicates fetched messages
// into the emails table and enqueues lightweight references for the
// downstream embedding/timeline workers. The whole batch and its outbox
// rows commit in one transaction, so a cursor written after Upsert
// returns can never point past unpersisted data.
type Ingestor struct {
	store *store.Store
	log   *logrus.Logger
}

// New creates an Ingestor.
func New(s *store.Store, log *logrus.Logger) *Ingestor {
	return &Ingestor{store: s, log: log}
}

// Result reports what one batch did to the emails table.
type Result struct {
	Inserted int
	Updated  int
}

// ingestedEvent is the reference handed to downstream workers. They
// fetch the full row themselves; the sync core does not do their work.
type ingestedEvent struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	EmailID   string `json:"email_id"`
	MessageID string `json:"message_id"`
	FolderID  string `json:"folder_id"`
	Category  string `json:"category"`
	Ts        int64  `json:"ts"`
}

// Upsert writes a batch of raw messages fetched from one folder.
// Category is derived from the folder type at write time and re-applied
// on updates, so a sent-folder message can never be stored (or remain
// stored) as archived.
func (i *Ingestor) Upsert(ctx context.Context, account model.Account, fld model.Folder, msgs []provider.RawMessage) (Result, error) {
	if len(msgs) == 0 {
		return Result{}, nil
	}

	category := model.CategoryForFolder(fld.Type)

	tx, err := i.store.BeginTx(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	var res Result
	for _, msg := range msgs {
		if msg.MessageID == "" {
			i.log.WithFields(logrus.Fields{
				"account": account.ID,
				"folder":  fld.Name,
			}).Warn("skipping message without provider id")
			continue
		}

		e := model.Email{
			ID:           uuid.New().String(),
			AccountID:    account.ID,
			FolderID:     fld.ID,
			FolderName:   fld.Name,
			MessageID:    msg.MessageID,
			ThreadID:     msg.ThreadID,
			Subject:      msg.Subject,
			Sender:       msg.Sender,
			ToAddrs:      mustJSON(msg.To),
			CcAddrs:      mustJSON(msg.Cc),
			Snippet:      msg.Snippet,
			Category:     category,
			Flags:        mustJSON(msg.Flags),
			InternalDate: msg.InternalDate,
		}
		if e.InternalDate.IsZero() {
			e.InternalDate = time.Now().UTC()
		}

		inserted, err := i.store.UpsertEmailTx(ctx, tx, e)
		if err != nil {
			return Result{}, fmt.Errorf("upserting message %s: %w", msg.MessageID, err)
		}

		if inserted {
			res.Inserted++
			if err := i.enqueueReference(ctx, tx, account, fld, e, category); err != nil {
				return Result{}, err
			}
		} else {
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("committing upsert batch: %w", err)
	}
	return res, nil
}

// enqueueReference appends an email.ingested outbox row within the
// batch's transaction. MsgID carries the dedup key for JetStream.
func (i *Ingestor) enqueueReference(ctx context.Context, tx *sqlx.Tx, account model.Account, fld model.Folder, e model.Email, category model.EmailCategory) error {
	event := ingestedEvent{
		AccountID: account.ID,
		UserID:    account.UserID,
		EmailID:   e.ID,
		MessageID: e.MessageID,
		FolderID:  fld.ID,
		Category:  string(category),
		Ts:        time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling ingest event: %w", err)
	}

	subject := fmt.Sprintf("mail.%s.email.ingested", account.UserID)
	msgID := fmt.Sprintf("email.ingested|%s|%s", account.Provider, e.MessageID)
	if err := i.store.EnqueueOutboxTx(ctx, tx, subject, "email.ingested", payload, msgID); err != nil {
		return err
	}
	return nil
}

// mustJSON serializes v, falling back to an empty JSON array. Address
// lists and flags are stored as JSON text columns.
func mustJSON(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
