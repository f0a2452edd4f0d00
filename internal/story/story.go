// Package story defines the Story data model that flows through every
// channel of the ingestion pipeline, and the site-normalization algorithm
// used to derive a story's rate-limit domain from its URL.
package story

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Behavior is the update mode a story should be fetched with.
type Behavior string

const (
	BehaviorUpdate Behavior = "update"
	BehaviorForce  Behavior = "force"
)

// Status records a story's last observed outcome.
type Status string

const (
	StatusNone         Status = ""
	StatusSuccess      Status = "success"
	StatusTransient    Status = "transient"
	StatusFinalPending Status = "final_pending"
	StatusGivenUp      Status = "given_up"
)

// Story is the atomic unit of work carried through the ingress channel, the
// per-site backlogs and channels, and the delay scheduler.
type Story struct {
	URL        string
	Site       string
	LibraryID  string
	Behavior   Behavior
	Attempts   int
	LastStatus Status

	// NextAttemptAt is meaningful only while the story is held by the delay
	// scheduler; it is the ingress channel that actually reinjects it.
	NextAttemptAt time.Time
}

// Key identifies a story for deduplication in the ActiveSet and in the
// Coordinator's per-site backlogs: (url, site, library_id).
type Key struct {
	URL       string
	Site      string
	LibraryID string
}

// Key returns the story's identity key.
func (s Story) Key() Key {
	return Key{URL: s.URL, Site: s.Site, LibraryID: s.LibraryID}
}

// New builds a fresh story with the zero-value attempt history.
func New(rawURL, site string) Story {
	return Story{URL: rawURL, Site: site, Behavior: BehaviorUpdate}
}

// NormalizeSite derives a site identifier from a URL's host: lowercase,
// strip a leading "www.", "m.", or "forums." label, then take the label
// before the first remaining dot.
//
// Idempotent: NormalizeSite(NormalizeSite(h)) == NormalizeSite(h) for any
// host-shaped input, since the output never carries one of the stripped
// prefixes and is already a single label.
func NormalizeSite(rawURL string) (string, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return "", err
	}
	host = strings.ToLower(host)
	for _, prefix := range []string{"www.", "m.", "forums."} {
		if strings.HasPrefix(host, prefix) {
			host = strings.TrimPrefix(host, prefix)
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("normalize site: empty host")
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		host = host[:idx]
	}
	if host == "" {
		return "", fmt.Errorf("normalize site: empty leading label")
	}
	return host, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := u.Host
	if host == "" {
		// A bare host with no scheme parses into Path, not Host.
		host = u.Path
		if idx := strings.IndexByte(host, '/'); idx >= 0 {
			host = host[:idx]
		}
	}
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if host == "" || strings.ContainsAny(host, " \t") {
		return "", fmt.Errorf("no host in url %q", rawURL)
	}
	return host, nil
}
