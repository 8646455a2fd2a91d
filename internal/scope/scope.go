// Package scope identifies the (campaign, branch) pair that dependency graphs
// and cached results are partitioned by.
package scope

import (
	"fmt"
	"regexp"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
)

// DefaultBranch is used when a definition or request does not name a branch.
const DefaultBranch = "main"

// identifierRegex bounds campaign, branch and definition ids before they are
// used as cache or graph keys.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Scope is a campaign/branch pair.
type Scope struct {
	CampaignID string
	BranchID   string
}

// New returns a scope, substituting DefaultBranch for an empty branch.
func New(campaignID, branchID string) Scope {
	if branchID == "" {
		branchID = DefaultBranch
	}
	return Scope{CampaignID: campaignID, BranchID: branchID}
}

// Key returns the cache key of the scope, "campaignId:branchId".
func (s Scope) Key() string {
	return s.CampaignID + ":" + s.BranchID
}

// Prefix returns the result-cache key prefix that covers every node of the scope.
func (s Scope) Prefix() string {
	return s.Key() + ":"
}

// String implements fmt.Stringer.
func (s Scope) String() string {
	return s.Key()
}

// Validate checks both identifiers.
func (s Scope) Validate() error {
	if err := ValidateID("campaignId", s.CampaignID); err != nil {
		return err
	}
	return ValidateID("branchId", s.BranchID)
}

// ValidateID checks a single identifier against the allowed character set.
func ValidateID(field, value string) error {
	if value == "" {
		return apperr.Validation(fmt.Sprintf("%s is required", field)).WithMetadata("field", field)
	}
	if !identifierRegex.MatchString(value) {
		return apperr.Validation(fmt.Sprintf("%s must match %s", field, identifierRegex.String())).
			WithMetadata("field", field)
	}
	return nil
}

// CampaignPrefix returns the result-cache prefix covering every branch of a campaign.
func CampaignPrefix(campaignID string) string {
	return campaignID + ":"
}
