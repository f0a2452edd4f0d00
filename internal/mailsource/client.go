package mailsource

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"forge.stoat.dev/fanfic/fetcher/internal/config"
)

// UnreadMessage is one unread mailbox message, reduced to what EmailSource
// needs: its UID (to mark it seen afterward) and a flattened text body to
// scan for story URLs.
type UnreadMessage struct {
	UID  uint32
	Body string
}

// MailClient abstracts the IMAP mailbox so EmailSource's polling and URL
// extraction logic can be tested without a real server.
type MailClient interface {
	FetchUnread(ctx context.Context) ([]UnreadMessage, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// IMAPClient is the production MailClient, backed by go-imap.
type IMAPClient struct {
	cfg  config.EmailConfig
	conn *client.Client
}

// DialIMAP connects, authenticates, and selects cfg.Mailbox.
func DialIMAP(cfg config.EmailConfig) (*IMAPClient, error) {
	c, err := client.DialTLS(cfg.Server, nil)
	if err != nil {
		return nil, fmt.Errorf("mailsource: dial %s: %w", cfg.Server, err)
	}
	if err := c.Login(cfg.Address, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, &AuthError{Cause: err}
	}
	if _, err := c.Select(cfg.Mailbox, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("mailsource: select mailbox %s: %w", cfg.Mailbox, err)
	}
	return &IMAPClient{cfg: cfg, conn: c}, nil
}

// FetchUnread searches for unseen messages and returns their flattened
// bodies. It does not mark anything seen; MarkSeen does that per-message
// once EmailSource has finished extracting URLs from it.
func (m *IMAPClient) FetchUnread(ctx context.Context) ([]UnreadMessage, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.conn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("mailsource: search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}
	messages := make(chan *imap.Message, len(uids))
	fetchErrCh := make(chan error, 1)
	go func() {
		fetchErrCh <- m.conn.UidFetch(seqset, items, messages)
	}()

	var out []UnreadMessage
	for msg := range messages {
		body := extractBody(msg, section)
		out = append(out, UnreadMessage{UID: msg.Uid, Body: body})
	}
	if err := <-fetchErrCh; err != nil {
		return nil, fmt.Errorf("mailsource: fetch: %w", err)
	}
	return out, nil
}

// MarkSeen sets the \Seen flag on uid.
func (m *IMAPClient) MarkSeen(ctx context.Context, uid uint32) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	return m.conn.UidStore(seqset, item, flags, nil)
}

// Close logs out and closes the underlying connection.
func (m *IMAPClient) Close() error {
	return m.conn.Logout()
}

func extractBody(msg *imap.Message, section *imap.BodySectionName) string {
	lit := msg.GetBody(section)
	if lit == nil {
		return ""
	}
	mr, err := mail.CreateReader(lit)
	if err != nil {
		// Not a parseable MIME message; fall back to the raw bytes so URL
		// extraction still has something to scan.
		raw, _ := io.ReadAll(lit)
		return string(raw)
	}
	var text string
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct == "text/plain" || ct == "text/html" || ct == "" {
				b, _ := io.ReadAll(part.Body)
				text += string(b) + "\n"
			}
		}
	}
	return text
}
