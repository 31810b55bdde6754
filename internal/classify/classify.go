// Package classify maps page URLs to CRM context: whether the page is on the
// target CRM host, which opportunity record it shows, and which organization
// owns it.
package classify

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultDomainSuffix is the host suffix identifying the target CRM.
const DefaultDomainSuffix = ".crm.dynamics.com"

// Result is the outcome of classifying a single URL.
// A non-target URL yields the zero Result.
type Result struct {
	IsTarget       bool   `json:"is_target"`
	RecordID       string `json:"record_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// quotedGUID matches a single-quoted GUID literal embedded in a URL, with or
// without surrounding braces.
var quotedGUID = regexp.MustCompile(`'(\{?[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\}?)'`)

// Classifier extracts CRM context from URLs for a single target domain.
type Classifier struct {
	suffix string
}

// New creates a Classifier for the given host suffix. An empty suffix falls
// back to DefaultDomainSuffix.
func New(domainSuffix string) *Classifier {
	s := strings.ToLower(strings.TrimSpace(domainSuffix))
	if s == "" {
		s = DefaultDomainSuffix
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return &Classifier{suffix: s}
}

// URL classifies a raw URL string. It is pure and total: any input, including
// garbage, yields a Result without error.
func (c *Classifier) URL(raw string) Result {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u == nil {
		return Result{}
	}

	host := strings.ToLower(u.Hostname())
	if host == strings.TrimPrefix(c.suffix, ".") {
		// The CRM apex itself: a target page, but no organization subdomain.
		return Result{
			IsTarget: true,
			RecordID: extractRecordID(u, raw),
		}
	}
	if !strings.HasSuffix(host, c.suffix) {
		return Result{}
	}

	return Result{
		IsTarget:       true,
		RecordID:       extractRecordID(u, raw),
		OrganizationID: strings.TrimSuffix(host, c.suffix),
	}
}

// extractRecordID tries, in order: the `id` query parameter, a path segment
// following "/opportunities/", and a single-quoted GUID literal anywhere in
// the raw URL. First hit wins.
func extractRecordID(u *url.URL, raw string) string {
	if id := strings.TrimSpace(u.Query().Get("id")); id != "" {
		return id
	}

	path := u.EscapedPath()
	if i := strings.Index(path, "/opportunities/"); i >= 0 {
		seg := path[i+len("/opportunities/"):]
		if j := strings.IndexByte(seg, '/'); j >= 0 {
			seg = seg[:j]
		}
		if dec, err := url.PathUnescape(seg); err == nil {
			seg = dec
		}
		if seg = strings.TrimSpace(seg); seg != "" {
			return seg
		}
	}

	if m := quotedGUID.FindStringSubmatch(raw); m != nil {
		return strings.Trim(m[1], "{}")
	}
	return ""
}

// RecordURL builds the canonical opportunity URL for a record id on the given
// origin. The origin is used as-is; callers pass the tracked tab's origin so
// navigation stays within the user's organization.
func RecordURL(origin, recordID string) string {
	return strings.TrimRight(origin, "/") + "/main.aspx?etn=opportunity&id=" + url.QueryEscape(recordID)
}
