// Package filter decides whether a single event may be delivered to a
// single viewer. Public and hashtag timelines are shared channels, so
// the per-viewer policy (language preferences, blocks, mutes, domain
// blocks) is applied here, per message, against the database.
package filter

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/XueKirby/mastodon-streaming/internal/auth"
	"github.com/XueKirby/mastodon-streaming/internal/metrics"
	"github.com/XueKirby/mastodon-streaming/internal/streams"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

const domainBlockQuery = `SELECT 1 FROM account_domain_blocks WHERE account_id = $1 AND domain = $2`

// Filter evaluates per-viewer visibility policy.
type Filter struct {
	db  *sql.DB
	log logging.Logger
	m   *metrics.Metrics
}

func New(db *sql.DB, log logging.Logger, m *metrics.Metrics) *Filter {
	return &Filter{db: db, log: log, m: m}
}

// Allow reports whether ev may be delivered to viewer on a subscription
// carrying opts. Policy lookups that fail are treated as a drop: the
// message is withheld whenever the filter cannot verify it.
func (f *Filter) Allow(ctx context.Context, viewer *auth.Account, opts streams.Options, ev streams.Event) bool {
	if viewer == nil {
		viewer = auth.Anonymous()
	}

	if opts.NotificationOnly && ev.Event != "notification" {
		return false
	}
	if ev.Event == "notification" && !viewer.AllowNotifications {
		return false
	}
	if !opts.NeedsFiltering || ev.Event != "update" {
		return true
	}

	status, err := ev.DecodeUpdate()
	if err != nil {
		f.log.WithError(err).Error("Failed to decode status payload, dropping")
		return false
	}

	if len(viewer.ChosenLanguages) > 0 && status.Language != nil && !contains(viewer.ChosenLanguages, *status.Language) {
		f.log.WithFields(logging.Fields{
			"status_id": status.ID,
			"language":  *status.Language,
		}).Debug("Message filtered by language")
		return false
	}

	// Anonymous viewers have no blocks or mutes to consult.
	if viewer.IsAnonymous() {
		return true
	}

	if f.blocked(ctx, viewer.ID, status) {
		return false
	}
	if domain := status.Domain(); domain != "" && f.domainBlocked(ctx, viewer.ID, domain) {
		return false
	}
	return true
}

// blocked reports whether the viewer blocks or mutes the author or any
// mentioned account, or the author blocks the viewer. A query failure
// counts as blocked.
func (f *Filter) blocked(ctx context.Context, viewerID int64, status streams.UpdatePayload) bool {
	targets := status.TargetIDs()
	args := make([]any, 0, len(targets)+2)
	args = append(args, viewerID, status.Account.ID)
	for _, id := range targets {
		args = append(args, id)
	}

	var one int
	err := f.db.QueryRowContext(ctx, blockQuery(len(targets)), args...).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		f.m.DBQueries.WithLabelValues("blocks", "ok").Inc()
		return false
	case err != nil:
		f.m.DBQueries.WithLabelValues("blocks", "error").Inc()
		f.log.WithError(err).Error("Block query failed, dropping message")
		return true
	default:
		f.m.DBQueries.WithLabelValues("blocks", "ok").Inc()
		f.log.WithFields(logging.Fields{
			"viewer_id": viewerID,
			"status_id": status.ID,
		}).Debug("Message filtered by block or mute")
		return true
	}
}

// domainBlocked reports whether the viewer blocks the author's domain.
// A query failure counts as blocked.
func (f *Filter) domainBlocked(ctx context.Context, viewerID int64, domain string) bool {
	var one int
	err := f.db.QueryRowContext(ctx, domainBlockQuery, viewerID, domain).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		f.m.DBQueries.WithLabelValues("domain_blocks", "ok").Inc()
		return false
	case err != nil:
		f.m.DBQueries.WithLabelValues("domain_blocks", "error").Inc()
		f.log.WithError(err).Error("Domain block query failed, dropping message")
		return true
	default:
		f.m.DBQueries.WithLabelValues("domain_blocks", "ok").Inc()
		f.log.WithFields(logging.Fields{
			"viewer_id": viewerID,
			"domain":    domain,
		}).Debug("Message filtered by domain block")
		return true
	}
}

// blockQuery builds the combined blocks-and-mutes lookup for n target
// accounts. $1 is the viewer, $2 the author, $3..$n+2 the targets; the
// same IN placeholders serve both halves of the union.
func blockQuery(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(i+3)
	}
	in := strings.Join(ph, ", ")
	return `SELECT 1 FROM blocks WHERE (account_id = $1 AND target_account_id IN (` + in + `)) OR (account_id = $2 AND target_account_id = $1) UNION SELECT 1 FROM mutes WHERE account_id = $1 AND target_account_id IN (` + in + `)`
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
