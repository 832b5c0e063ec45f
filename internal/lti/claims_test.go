package lti

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMapClaimsFullLaunch(t *testing.T) {
	raw := map[string]any(launchClaims(testNonce))
	raw["given_name"] = "Ada"
	raw["family_name"] = "Lovelace"
	raw[ClaimRoles] = []any{
		"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor",
		"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Faculty",
	}
	raw[ClaimCustom] = map[string]any{"unit": "3", "attempts": float64(2)}
	raw[ClaimLaunchPresentation] = map[string]any{"return_url": "https://lms.example.edu/courses/1"}
	raw[ClaimAGSEndpoint] = map[string]any{
		"lineitems": "https://lms.example.edu/api/lti/courses/1/line_items",
		"scope":     []any{ScopeLineItem, ScopeScore},
	}
	raw[ClaimNRPS] = map[string]any{
		"context_memberships_url": "https://lms.example.edu/api/lti/courses/1/names_and_roles",
		"service_versions":        []any{"2.0"},
	}

	got, err := MapClaims(raw)
	if err != nil {
		t.Fatalf("MapClaims: %v", err)
	}
	want := LaunchClaims{
		Subject:           "u-7",
		Name:              "Ada Lovelace",
		GivenName:         "Ada",
		FamilyName:        "Lovelace",
		Email:             "ada@example.edu",
		Locale:            "en-GB",
		ContextID:         "ctx-1",
		ContextLabel:      "CS101",
		ContextTitle:      "Intro to CS",
		ResourceLinkID:    "res-42",
		ResourceLinkTitle: "Week 1 quiz",
		Roles: []string{
			"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor",
			"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Faculty",
		},
		RoleClass:     RoleInstructor,
		DeploymentID:  testDepClaim,
		MessageType:   MessageTypeResourceLink,
		Version:       Version13,
		TargetLinkURI: "https://tool.example.com/activity",
		Custom:        map[string]string{"unit": "3", "attempts": "2"},
		ReturnURL:     "https://lms.example.edu/courses/1",
		Services: Services{
			AGS: &AGSEndpoint{
				LineItems: "https://lms.example.edu/api/lti/courses/1/line_items",
				Scope:     []string{ScopeLineItem, ScopeScore},
			},
			NRPS: &NRPSEndpoint{
				ContextMembershipsURL: "https://lms.example.edu/api/lti/courses/1/names_and_roles",
				ServiceVersions:       []string{"2.0"},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("MapClaims mismatch (-want +got):\n%s", diff)
	}

	again, _ := MapClaims(raw)
	if diff := cmp.Diff(got, again); diff != "" {
		t.Fatalf("MapClaims not deterministic:\n%s", diff)
	}
}

func TestMapClaimsMinimal(t *testing.T) {
	got, err := MapClaims(map[string]any{
		"sub":             "u-1",
		ClaimResourceLink: map[string]any{"id": "rl-1"},
	})
	if err != nil {
		t.Fatalf("MapClaims: %v", err)
	}
	if got.RoleClass != RoleLearner {
		t.Fatalf("role class = %s", got.RoleClass)
	}
	if _, ok := got.Services.GradeService(); ok {
		t.Fatalf("grade service reported without claim")
	}
	if _, ok := got.Services.RosterService(); ok {
		t.Fatalf("roster service reported without claim")
	}
}

func TestMapClaimsErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   Kind
	}{
		{"missing sub", func(m map[string]any) { delete(m, "sub") }, KindMissingClaim},
		{"empty sub", func(m map[string]any) { m["sub"] = "" }, KindMissingClaim},
		{"missing resource link", func(m map[string]any) { delete(m, ClaimResourceLink) }, KindMissingClaim},
		{"resource link without id", func(m map[string]any) { m[ClaimResourceLink] = map[string]any{"title": "x"} }, KindMissingClaim},
		{"deep linking", func(m map[string]any) { m[ClaimMessageType] = "LtiDeepLinkingRequest" }, KindUnsupportedMessage},
		{"old version", func(m map[string]any) { m[ClaimVersion] = "1.1" }, KindUnsupportedMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := map[string]any(launchClaims(testNonce))
			tc.mutate(raw)
			_, err := MapClaims(raw)
			wantKind(t, err, tc.want)
		})
	}
}

func TestClassifyRoles(t *testing.T) {
	cases := []struct {
		roles []string
		want  RoleClass
	}{
		{nil, RoleLearner},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"}, RoleLearner},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"}, RoleInstructor},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant"}, RoleInstructor},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"}, RoleInstructor},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner", "http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper"}, RoleInstructor},
		{[]string{"http://purl.imsglobal.org/vocab/lis/v2/system/person#User"}, RoleLearner},
	}
	for _, tc := range cases {
		if got := ClassifyRoles(tc.roles); got != tc.want {
			t.Errorf("ClassifyRoles(%v) = %s, want %s", tc.roles, got, tc.want)
		}
	}
}

func TestStrsAcceptsSingleString(t *testing.T) {
	if diff := cmp.Diff([]string{"a"}, strs("a")); diff != "" {
		t.Fatal(diff)
	}
	if got := strs(""); got != nil {
		t.Fatalf("strs(\"\") = %v", got)
	}
	if diff := cmp.Diff([]string{"a", "b"}, strs([]any{"a", 3, "b"})); diff != "" {
		t.Fatal(diff)
	}
}
