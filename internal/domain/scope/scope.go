// Package scope identifies tenants and the local calendar days they are accounted on.
package scope

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	orgPrefix = "ORG#"
	appInfix  = "#APP#"
	dayLayout = "20060102"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// Scope is an organization, or an application within an organization.
type Scope struct {
	org string
	app string
}

// Org returns an organization-wide scope.
func Org(orgID string) Scope { return Scope{org: orgID} }

// App returns an application scope under orgID.
func App(orgID, appID string) Scope { return Scope{org: orgID, app: appID} }

// OrgID returns the organization id.
func (s Scope) OrgID() string { return s.org }

// AppID returns the application id, empty for organization scopes.
func (s Scope) AppID() string { return s.app }

// IsApp reports whether the scope is application-level.
func (s Scope) IsApp() bool { return s.app != "" }

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool { return s.org == "" }

// Key renders the storage key component: ORG#<org> or ORG#<org>#APP#<app>.
func (s Scope) Key() string {
	if s.app == "" {
		return orgPrefix + s.org
	}
	return orgPrefix + s.org + appInfix + s.app
}

func (s Scope) String() string { return s.Key() }

// Validate checks that both ids are usable inside storage keys.
func (s Scope) Validate() error {
	if !ValidID(s.org) {
		return fmt.Errorf("invalid org id %q", s.org)
	}
	if s.app != "" && !ValidID(s.app) {
		return fmt.Errorf("invalid app id %q", s.app)
	}
	return nil
}

// Parse reverses Key.
func Parse(key string) (Scope, error) {
	rest, ok := strings.CutPrefix(key, orgPrefix)
	if !ok {
		return Scope{}, fmt.Errorf("scope key %q: missing %s prefix", key, orgPrefix)
	}
	org, app, hasApp := strings.Cut(rest, appInfix)
	s := Scope{org: org}
	if hasApp {
		if app == "" {
			return Scope{}, fmt.Errorf("scope key %q: empty app id", key)
		}
		s.app = app
	}
	if err := s.Validate(); err != nil {
		return Scope{}, fmt.Errorf("scope key %q: %w", key, err)
	}
	return s, nil
}

// ValidID reports whether id may be used as an org, app or label identifier.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Day is a local calendar day rendered as YYYYMMDD.
type Day string

// DayIn returns the calendar day of t in loc.
func DayIn(t time.Time, loc *time.Location) Day {
	return Day(t.In(loc).Format(dayLayout))
}

// ParseDay validates a YYYYMMDD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", fmt.Errorf("invalid day %q: %w", s, err)
	}
	return Day(s), nil
}

func (d Day) String() string { return string(d) }

// Start returns local midnight at the beginning of the day.
func (d Day) Start(loc *time.Location) time.Time {
	t, err := time.ParseInLocation(dayLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// End returns local midnight at the end of the day, which is the start of the next one.
func (d Day) End(loc *time.Location) time.Time {
	start := d.Start(loc)
	if start.IsZero() {
		return start
	}
	y, m, dd := start.Date()
	return time.Date(y, m, dd+1, 0, 0, 0, 0, loc)
}

// NextMidnight returns the first local midnight strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
