package main

import (
	"log"
	"strings"
	"sync"

	"github.com/slack-go/slack"
)

// UserProfile is the slice of a Slack user the bot needs: display name
// for ticket attribution, email for the reporter field.
type UserProfile struct {
	ID    string
	Name  string
	Email string
}

// userResolver caches profile lookups for a process lifetime; reporter
// names repeat heavily within one collection run.
type userResolver struct {
	api slackUserAPI

	mu    sync.Mutex
	cache map[string]UserProfile
}

type slackUserAPI interface {
	GetUserInfo(userID string) (*slack.User, error)
}

func newUserResolver(api slackUserAPI) *userResolver {
	return &userResolver{api: api, cache: make(map[string]UserProfile)}
}

// Resolve returns the best display name and email for a user id. Lookup
// failures degrade to the raw id; message processing never blocks on a
// profile fetch error.
func (r *userResolver) Resolve(userID string) UserProfile {
	if userID == "" {
		return UserProfile{}
	}

	r.mu.Lock()
	if profile, ok := r.cache[userID]; ok {
		r.mu.Unlock()
		return profile
	}
	r.mu.Unlock()

	profile := UserProfile{ID: userID, Name: userID}
	user, err := r.api.GetUserInfo(userID)
	if err != nil {
		log.Printf("user lookup failed user=%s: %v", userID, err)
	} else {
		if user.Profile.DisplayName != "" {
			profile.Name = user.Profile.DisplayName
		} else if user.RealName != "" {
			profile.Name = user.RealName
		} else if user.Name != "" {
			profile.Name = user.Name
		}
		profile.Email = user.Profile.Email
	}

	r.mu.Lock()
	r.cache[userID] = profile
	r.mu.Unlock()
	return profile
}

// isLikelySlackChannelID reports whether a token already looks like a
// channel id (C/G prefix plus uppercase alnum) rather than a name.
func isLikelySlackChannelID(val string) bool {
	if len(val) < 9 {
		return false
	}
	for i, r := range val {
		if i == 0 {
			if r != 'C' && r != 'G' {
				return false
			}
			continue
		}
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// parseChannelInput splits a comma-separated channel list and strips the
// leading # from names. IDs pass through; names need resolution.
func parseChannelInput(input string) (ids []string, names []string) {
	for _, raw := range strings.Split(input, ",") {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		val = strings.TrimPrefix(val, "#")
		if isLikelySlackChannelID(val) {
			ids = append(ids, val)
		} else {
			names = append(names, val)
		}
	}
	return ids, names
}
