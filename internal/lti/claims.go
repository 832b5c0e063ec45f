// internal/lti/claims.go
package lti

import (
	"fmt"
	"strings"
)

// LTI 1.3 claim names.
const (
	ClaimMessageType        = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion            = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID       = claimDeploymentID
	ClaimTargetLinkURI      = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink       = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimContext            = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimRoles              = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimCustom             = "https://purl.imsglobal.org/spec/lti/claim/custom"
	ClaimLaunchPresentation = "https://purl.imsglobal.org/spec/lti/claim/launch_presentation"
	ClaimAGSEndpoint        = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	ClaimNRPS               = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	Version13               = "1.3.0"
)

type RoleClass string

const (
	RoleInstructor RoleClass = "instructor"
	RoleLearner    RoleClass = "learner"
)

// instructorMarkers are matched as substrings of role URIs. Advisory only:
// authorization decisions must not rest on this classification.
var instructorMarkers = []string{"Instructor", "ContentDeveloper", "Administrator", "TeachingAssistant"}

// LaunchClaims is the normalized view of a validated resource link launch.
type LaunchClaims struct {
	Subject    string `json:"sub"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Email      string `json:"email,omitempty"`
	Locale     string `json:"locale,omitempty"`

	ContextID    string `json:"context_id,omitempty"`
	ContextLabel string `json:"context_label,omitempty"`
	ContextTitle string `json:"context_title,omitempty"`

	ResourceLinkID    string `json:"resource_link_id"`
	ResourceLinkTitle string `json:"resource_link_title,omitempty"`

	Roles     []string  `json:"roles,omitempty"`
	RoleClass RoleClass `json:"role_class"`

	DeploymentID  string `json:"deployment_id,omitempty"` // the platform's claim, not our internal id
	MessageType   string `json:"message_type,omitempty"`
	Version       string `json:"version,omitempty"`
	TargetLinkURI string `json:"target_link_uri,omitempty"`

	Custom    map[string]string `json:"custom,omitempty"`
	ReturnURL string            `json:"return_url,omitempty"`

	Services Services `json:"services"`

	RawTokenDigest string `json:"token_digest,omitempty"`
}

// Services records the LTI Advantage endpoints the platform advertised.
type Services struct {
	AGS  *AGSEndpoint  `json:"ags,omitempty"`
	NRPS *NRPSEndpoint `json:"nrps,omitempty"`
}

type AGSEndpoint struct {
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

type NRPSEndpoint struct {
	ContextMembershipsURL string   `json:"context_memberships_url"`
	ServiceVersions       []string `json:"service_versions,omitempty"`
}

// GradeService reports the AGS endpoint; ok only when the claim was present.
func (s Services) GradeService() (AGSEndpoint, bool) {
	if s.AGS == nil {
		return AGSEndpoint{}, false
	}
	return *s.AGS, true
}

// RosterService reports the NRPS endpoint; ok only when the claim was present.
func (s Services) RosterService() (NRPSEndpoint, bool) {
	if s.NRPS == nil {
		return NRPSEndpoint{}, false
	}
	return *s.NRPS, true
}

// MapClaims turns validated id_token claims into LaunchClaims. It is pure:
// the same input always yields the same output.
func MapClaims(raw map[string]any) (LaunchClaims, error) {
	const op = "claims.Map"

	lc := LaunchClaims{
		Subject:       str(raw, "sub"),
		Name:          str(raw, "name"),
		GivenName:     str(raw, "given_name"),
		FamilyName:    str(raw, "family_name"),
		Email:         str(raw, "email"),
		Locale:        str(raw, "locale"),
		DeploymentID:  str(raw, ClaimDeploymentID),
		MessageType:   str(raw, ClaimMessageType),
		Version:       str(raw, ClaimVersion),
		TargetLinkURI: str(raw, ClaimTargetLinkURI),
		Roles:         strs(raw[ClaimRoles]),
	}

	if lc.MessageType != "" && lc.MessageType != MessageTypeResourceLink {
		return LaunchClaims{}, errorf(KindUnsupportedMessage, op, "message_type %q", lc.MessageType)
	}
	if lc.Version != "" && lc.Version != Version13 {
		return LaunchClaims{}, errorf(KindUnsupportedMessage, op, "version %q", lc.Version)
	}

	if rl := obj(raw, ClaimResourceLink); rl != nil {
		lc.ResourceLinkID = str(rl, "id")
		lc.ResourceLinkTitle = str(rl, "title")
	}
	if ctx := obj(raw, ClaimContext); ctx != nil {
		lc.ContextID = str(ctx, "id")
		lc.ContextLabel = str(ctx, "label")
		lc.ContextTitle = str(ctx, "title")
	}
	if lp := obj(raw, ClaimLaunchPresentation); lp != nil {
		lc.ReturnURL = str(lp, "return_url")
		if lc.Locale == "" {
			lc.Locale = str(lp, "locale")
		}
	}
	if custom := obj(raw, ClaimCustom); len(custom) > 0 {
		lc.Custom = make(map[string]string, len(custom))
		for k, v := range custom {
			if s, ok := v.(string); ok {
				lc.Custom[k] = s
			} else {
				lc.Custom[k] = fmt.Sprint(v)
			}
		}
	}
	if ags := obj(raw, ClaimAGSEndpoint); ags != nil {
		lc.Services.AGS = &AGSEndpoint{
			LineItems: str(ags, "lineitems"),
			LineItem:  str(ags, "lineitem"),
			Scope:     strs(ags["scope"]),
		}
	}
	if nrps := obj(raw, ClaimNRPS); nrps != nil {
		lc.Services.NRPS = &NRPSEndpoint{
			ContextMembershipsURL: str(nrps, "context_memberships_url"),
			ServiceVersions:       strs(nrps["service_versions"]),
		}
	}

	switch {
	case lc.Subject == "":
		return LaunchClaims{}, errorf(KindMissingClaim, op, "sub")
	case lc.ResourceLinkID == "":
		return LaunchClaims{}, errorf(KindMissingClaim, op, "resource_link.id")
	}

	lc.RoleClass = ClassifyRoles(lc.Roles)
	return lc, nil
}

// ClassifyRoles buckets LIS role URIs into instructor or learner.
func ClassifyRoles(roles []string) RoleClass {
	for _, r := range roles {
		for _, m := range instructorMarkers {
			if strings.Contains(r, m) {
				return RoleInstructor
			}
		}
	}
	return RoleLearner
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func obj(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

// strs accepts a JSON array of strings or a single string.
func strs(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
