package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/access-requests":                  "/v1/access-requests",
		"/v1/access-requests/abc":              "/v1/access-requests/:id",
		"/v1/access-requests/abc/decide":       "/v1/access-requests/:id/decide",
		"/v1/access-requests/abc/extra":        "/v1/access-requests/abc/extra",
		"/v1/assignments/item-1":               "/v1/assignments/:id",
		"/v1/assignments/item-1/transfer":      "/v1/assignments/:id/transfer",
		"/v1/assignments/item-1/claim":         "/v1/assignments/:id/claim",
		"/v1/assignments/item-1/unassign":      "/v1/assignments/:id/unassign",
		"/v1/audit":                            "/v1/audit",
		"/v1/audit?module=access&actor_id=a-1": "/v1/audit",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
