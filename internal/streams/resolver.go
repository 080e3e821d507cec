package streams

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/XueKirby/mastodon-streaming/internal/api"
	"github.com/XueKirby/mastodon-streaming/internal/auth"
)

// Options control per-subscription delivery behavior.
type Options struct {
	NeedsFiltering   bool
	NotificationOnly bool
}

// Request names a logical stream plus its parameters.
type Request struct {
	Stream string
	Tag    string
	List   string
}

// Destination is a resolved subscription target: the upstream channels to
// attach and the stream array clients see in WebSocket frames.
type Destination struct {
	Channels   []string
	Options    Options
	StreamName []string
}

// Key identifies the destination within a session. Channel order does not
// matter.
func (d Destination) Key() string {
	channels := append([]string(nil), d.Channels...)
	sort.Strings(channels)
	return strings.Join(channels, ";")
}

var publicStreams = map[string]struct{}{
	"public":              {},
	"public:media":        {},
	"public:local":        {},
	"public:local:media":  {},
	"public:remote":       {},
	"public:remote:media": {},
	"hashtag":             {},
	"hashtag:local":       {},
}

// IsPublic reports whether the named stream accepts anonymous viewers.
func IsPublic(stream string) bool {
	_, ok := publicStreams[stream]
	return ok
}

// RequiredScopes returns the scopes a token must cover to attach the named
// stream. Public streams need none unless anonymous access is disabled.
func RequiredScopes(stream string, alwaysRequireAuth bool) []string {
	if IsPublic(stream) && !alwaysRequireAuth {
		return nil
	}
	if stream == "user:notification" {
		return auth.ScopesNotifications
	}
	return auth.ScopesStatuses
}

// ListAuthorizer reports whether an account owns a list.
type ListAuthorizer interface {
	AuthorizeList(ctx context.Context, listID, accountID int64) (bool, error)
}

// Resolver maps logical stream names onto upstream channels.
type Resolver struct {
	lists ListAuthorizer
}

func NewResolver(lists ListAuthorizer) *Resolver {
	return &Resolver{lists: lists}
}

// Resolve maps a stream request onto upstream channel ids and delivery
// options. Channel ids come back unprefixed; the hub owns namespacing.
func (r *Resolver) Resolve(ctx context.Context, viewer *auth.Account, req Request) (Destination, error) {
	switch req.Stream {
	case "user":
		acct, err := requireAccount(viewer)
		if err != nil {
			return Destination{}, err
		}
		channels := []string{"timeline:" + acct}
		if viewer.DeviceID != "" {
			channels = append(channels, "timeline:"+acct+":"+viewer.DeviceID)
		}
		return Destination{Channels: channels, StreamName: []string{"user"}}, nil

	case "user:notification":
		acct, err := requireAccount(viewer)
		if err != nil {
			return Destination{}, err
		}
		return Destination{
			Channels:   []string{"timeline:" + acct},
			Options:    Options{NotificationOnly: true},
			StreamName: []string{"user:notification"},
		}, nil

	case "public", "public:media", "public:local", "public:local:media", "public:remote", "public:remote:media":
		return Destination{
			Channels:   []string{"timeline:" + req.Stream},
			Options:    Options{NeedsFiltering: true},
			StreamName: []string{req.Stream},
		}, nil

	case "direct":
		acct, err := requireAccount(viewer)
		if err != nil {
			return Destination{}, err
		}
		return Destination{Channels: []string{"timeline:direct:" + acct}, StreamName: []string{"direct"}}, nil

	case "hashtag", "hashtag:local":
		if req.Tag == "" {
			return Destination{}, api.NoTagProvided()
		}
		channel := "timeline:hashtag:" + strings.ToLower(req.Tag)
		if req.Stream == "hashtag:local" {
			channel += ":local"
		}
		return Destination{
			Channels:   []string{channel},
			Options:    Options{NeedsFiltering: true},
			StreamName: []string{req.Stream, req.Tag},
		}, nil

	case "list":
		if _, err := requireAccount(viewer); err != nil {
			return Destination{}, err
		}
		listID, err := strconv.ParseInt(req.List, 10, 64)
		if err != nil {
			return Destination{}, api.ListNotAuthorized()
		}
		ok, err := r.lists.AuthorizeList(ctx, listID, viewer.ID)
		if err != nil || !ok {
			return Destination{}, api.ListNotAuthorized()
		}
		return Destination{
			Channels:   []string{"timeline:list:" + strconv.FormatInt(listID, 10)},
			StreamName: []string{"list", req.List},
		}, nil

	default:
		return Destination{}, api.UnknownStream()
	}
}

func requireAccount(viewer *auth.Account) (string, error) {
	if viewer.IsAnonymous() {
		return "", api.MissingToken()
	}
	return strconv.FormatInt(viewer.ID, 10), nil
}
