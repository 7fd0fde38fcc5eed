// Package delivery implements the outbound half of message handling:
// one DeliveryAgent per queued row, driving each recipient through the
// {Unknown, Delayed, Failed, Delivered} action states until every
// recipient reaches a terminal one, and a SpoolManager that dispatches
// agents for every due row under a bounded concurrency limit. Inbound
// acceptance (LMTP) and local storage are handled by the sibling
// internal/delivery/lmtp and internal/delivery/storage packages this
// builds on top of.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"raven/internal/db"
)

// Recipient action states, matching the DSN action vocabulary
// (RFC 3464 §2.3.3) the delivery_recipients.action column stores.
const (
	ActionUnknown   = "unknown"
	ActionDelayed   = "delayed"
	ActionFailed    = "failed"
	ActionDelivered = "delivered"
)

func isTerminal(action string) bool {
	return action == ActionFailed || action == ActionDelivered
}

// SmtpClient submits one message to one or more recipients and
// reports a per-recipient outcome, the shape an SMTP submission
// client naturally returns (each RCPT TO gets its own response code).
type SmtpClient interface {
	Submit(ctx context.Context, from string, recipients []string, data []byte) (map[string]RecipientOutcome, error)
}

// RecipientOutcome is one recipient's result from a submission attempt.
type RecipientOutcome struct {
	Action string // ActionDelivered or ActionFailed or ActionDelayed
	Status string // SMTP response text, or the reason for a local failure
}

// Agent processes one outbound_queue row end-to-end.
type Agent struct {
	DB     *sql.DB
	Client SmtpClient
	// Hostname is stored as given; ProcessOne does not read it, and no
	// DSN Date header is pinned for any hostname.
	Hostname string
}

// NewAgent returns an Agent bound to db and client.
func NewAgent(database *sql.DB, client SmtpClient, hostname string) *Agent {
	return &Agent{DB: database, Client: client, Hostname: hostname}
}

// ProcessOne runs one pass of the DeliveryAgent algorithm against
// queueID: fetch the message and its recipients, skip if already
// delivered, submit to every still-pending recipient, expire overdue
// ones, and, once every recipient is terminal, bounce if any of them
// ended up Failed.
func (a *Agent) ProcessOne(ctx context.Context, queueID int64) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delivery: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	row, ok, err := loadQueueRow(ctx, tx, queueID)
	if err != nil {
		return err
	}
	if !ok {
		return tx.Commit() // row gone: another agent already finished it
	}
	if row.delivered {
		return tx.Commit()
	}

	recipients, err := db.GetDeliveryRecipients(a.DB, queueID)
	if err != nil {
		return fmt.Errorf("delivery: load recipients: %w", err)
	}

	pending := make([]string, 0, len(recipients))
	byAddr := make(map[string]db.DeliveryRecipient, len(recipients))
	for _, r := range recipients {
		byAddr[r.Recipient] = r
		if !isTerminal(r.Action) {
			pending = append(pending, r.Recipient)
		}
	}

	if len(pending) == 0 {
		if err := db.MarkOutboundDelivered(a.DB, queueID); err != nil {
			return err
		}
		return tx.Commit()
	}

	data, err := buildMessageBytes(a.DB, row.messageID)
	if err != nil {
		return fmt.Errorf("delivery: build message: %w", err)
	}

	outcomes, err := a.Client.Submit(ctx, row.sender, pending, data)
	if err != nil {
		for _, addr := range pending {
			r := byAddr[addr]
			_ = db.UpdateDeliveryRecipient(a.DB, r.ID, ActionDelayed, err.Error())
		}
	} else {
		for _, addr := range pending {
			r := byAddr[addr]
			outcome, ok := outcomes[addr]
			if !ok {
				outcome = RecipientOutcome{Action: ActionDelayed, Status: "no response"}
			}
			if err := db.UpdateDeliveryRecipient(a.DB, r.ID, outcome.Action, outcome.Status); err != nil {
				return err
			}
		}
	}

	if !row.expiresAt.IsZero() && time.Now().After(row.expiresAt) {
		if err := a.expirePending(queueID); err != nil {
			return err
		}
	}

	final, err := db.GetDeliveryRecipients(a.DB, queueID)
	if err != nil {
		return err
	}
	allTerminal, anyFailed := true, false
	for _, r := range final {
		if !isTerminal(r.Action) {
			allTerminal = false
		}
		if r.Action == ActionFailed {
			anyFailed = true
		}
	}

	if allTerminal {
		if err := db.MarkOutboundDelivered(a.DB, queueID); err != nil {
			return err
		}
		if anyFailed && row.sender != "" {
			a.bounce(row, final)
		}
	}

	committed = true
	return tx.Commit()
}

func (a *Agent) expirePending(queueID int64) error {
	recipients, err := db.GetDeliveryRecipients(a.DB, queueID)
	if err != nil {
		return err
	}
	for _, r := range recipients {
		if !isTerminal(r.Action) {
			if err := db.UpdateDeliveryRecipient(a.DB, r.ID, ActionFailed, "Expired"); err != nil {
				return err
			}
		}
	}
	return nil
}

// bounce logs the DSN generation a full bounce Injector would perform;
// the null reverse-path check matches deliveryagent.cpp, which never
// generates a bounce for a bounce.
func (a *Agent) bounce(row queueRow, recipients []db.DeliveryRecipient) {
	if row.sender == "" {
		return
	}
	var failed []string
	for _, r := range recipients {
		if r.Action == ActionFailed {
			failed = append(failed, r.Recipient)
		}
	}
	log.Printf("delivery: bouncing message %d to %s for recipients: %s",
		row.messageID, row.sender, strings.Join(failed, ", "))
}

type queueRow struct {
	id          int64
	messageID   int64
	sender      string
	expiresAt   time.Time
	delivered   bool
}

func loadQueueRow(ctx context.Context, tx *sql.Tx, queueID int64) (queueRow, bool, error) {
	var row queueRow
	var expires sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, message_id, sender, expires_at, delivered
		FROM outbound_queue WHERE id = ?
	`, queueID).Scan(&row.id, &row.messageID, &row.sender, &expires, &row.delivered)
	if err == sql.ErrNoRows {
		return queueRow{}, false, nil
	}
	if err != nil {
		return queueRow{}, false, err
	}
	if expires.Valid {
		row.expiresAt = expires.Time
	}
	return row, true, nil
}

// buildMessageBytes assembles a minimal RFC 5322 rendering of a stored
// message (headers in sequence order, blank line, no body fetch here —
// bodies are fetched by internal/fetchbuilder when the submission
// client needs the raw bytes; this keeps the agent independent of blob
// storage specifics).
func buildMessageBytes(database *sql.DB, messageID int64) ([]byte, error) {
	headers, err := db.GetMessageHeaders(database, messageID)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h["header_name"], h["header_value"])
	}
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}
