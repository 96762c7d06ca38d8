package dispatcher

import (
	"context"
	"net"
	"testing"

	"tlsvcproxy/internal/shared/settings"
)

func TestDispatch_DomainRule_Reject(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "domain", Value: []string{"ads.com"}, Target: "REJECT"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "ads.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("expected REJECT, got %q", decision)
	}
}

func TestDispatch_DomainRule_MatchesSubdomain(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "domain", Value: []string{".ads.com"}, Target: "DIRECT"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "tracker.ads.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "DIRECT" {
		t.Errorf("expected a leading-dot rule to match a subdomain, got %q", decision)
	}

	// A leading-dot rule must not match the bare domain itself, so the
	// bare domain falls through to the default REJECT decision.
	decision, err = d.Dispatch(context.Background(), sourceAddr, "ads.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("expected the bare domain not to match a leading-dot rule, got %q", decision)
	}
}

func TestDispatch_SourceIPRule(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "source_ip", Value: []string{"192.168.1.0/24"}, Target: "DIRECT"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "DIRECT" {
		t.Errorf("expected DIRECT for a matching source CIDR, got %q", decision)
	}

	otherAddr, _ := net.ResolveTCPAddr("tcp", "10.0.0.5:12345")
	decision, err = d.Dispatch(context.Background(), otherAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("expected the default REJECT decision for a non-matching source, got %q", decision)
	}
}

func TestDispatch_DestIPRule(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "dest_ip", Value: []string{"93.184.216.0/24"}, Target: "TERMINATE"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "93.184.216.34:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "TERMINATE" {
		t.Errorf("expected TERMINATE for a matching destination CIDR, got %q", decision)
	}
}

func TestDispatch_PriorityOrderingPicksLowestFirst(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 10, Type: "domain", Value: []string{"example.com"}, Target: "DIRECT"},
			{Priority: 1, Type: "domain", Value: []string{"example.com"}, Target: "REJECT"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("expected the lower-priority-number rule (REJECT) to win, got %q", decision)
	}
}

func TestDispatch_UnsupportedRuleTargetIsSkipped(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "domain", Value: []string{"example.com"}, Target: "some-backend-remark"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("a rule targeting a non-virtual decision should be dropped, falling through to the default REJECT; got %q", decision)
	}
}

func TestDispatch_NoRuleMatchesFallsBackToDefault(t *testing.T) {
	d := New(&settings.RoutingSettings{Rules: []*settings.Rule{}})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	decision, err := d.Dispatch(context.Background(), sourceAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("expected the default REJECT decision, got %q", decision)
	}
}

func TestOnSettingsUpdateReplacesRoutingTable(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "domain", Value: []string{"example.com"}, Target: "REJECT"},
		},
	})
	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")

	if err := d.OnSettingsUpdate("routing", &settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "domain", Value: []string{"example.com"}, Target: "DIRECT"},
		},
	}); err != nil {
		t.Fatalf("OnSettingsUpdate returned an error: %v", err)
	}

	decision, err := d.Dispatch(context.Background(), sourceAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "DIRECT" {
		t.Errorf("expected the reloaded routing table to take effect, got %q", decision)
	}
}

func TestOnSettingsUpdateIgnoresOtherModuleKeys(t *testing.T) {
	d := New(&settings.RoutingSettings{
		Rules: []*settings.Rule{
			{Priority: 1, Type: "domain", Value: []string{"example.com"}, Target: "REJECT"},
		},
	})
	if err := d.OnSettingsUpdate("logging", &settings.LoggingSettings{}); err != nil {
		t.Fatalf("OnSettingsUpdate returned an error: %v", err)
	}

	sourceAddr, _ := net.ResolveTCPAddr("tcp", "192.168.1.10:12345")
	decision, err := d.Dispatch(context.Background(), sourceAddr, "example.com:443")
	if err != nil {
		t.Fatalf("Dispatch() returned an error: %v", err)
	}
	if decision != "REJECT" {
		t.Errorf("routing table should be unaffected by an update for a different module, got %q", decision)
	}
}
