package llm

import "testing"

func TestGetModelInfoByID(t *testing.T) {
	info := GetModelInfo("claude-opus-4-6")
	if info == nil {
		t.Fatal("expected catalog entry")
	}
	if info.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", info.Provider)
	}
	if info.ContextWindow <= 0 || info.CompactThreshold <= 0 {
		t.Error("expected positive window and threshold")
	}
	if info.CompactThreshold >= info.ContextWindow {
		t.Error("compact threshold must sit below the hard window")
	}
}

func TestGetModelInfoByAlias(t *testing.T) {
	info := GetModelInfo("sonnet")
	if info == nil {
		t.Fatal("expected alias lookup to succeed")
	}
	if info.ID != "claude-sonnet-4-5" {
		t.Errorf("expected claude-sonnet-4-5, got %s", info.ID)
	}
}

func TestGetModelInfoUnknown(t *testing.T) {
	if info := GetModelInfo("no-such-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %+v", info)
	}
}

func TestModelInfoOrDefaultFallback(t *testing.T) {
	info := ModelInfoOrDefault("mystery-model")
	if info.ID != "mystery-model" {
		t.Errorf("fallback must keep the requested id, got %s", info.ID)
	}
	if info.ContextWindow != 32768 {
		t.Errorf("expected conservative 32768 window, got %d", info.ContextWindow)
	}
	if info.CompactThreshold >= info.ContextWindow {
		t.Error("fallback threshold must sit below the window")
	}
}

func TestListModelsByProvider(t *testing.T) {
	all := ListModels("")
	if len(all) != len(Models) {
		t.Errorf("expected %d models, got %d", len(Models), len(all))
	}

	anthropic := ListModels("anthropic")
	if len(anthropic) == 0 {
		t.Fatal("expected anthropic models")
	}
	for _, m := range anthropic {
		if m.Provider != "anthropic" {
			t.Errorf("unexpected provider %s in filtered list", m.Provider)
		}
	}
}

func TestCatalogInvariants(t *testing.T) {
	seen := map[string]bool{}
	for _, m := range Models {
		if seen[m.ID] {
			t.Errorf("duplicate model id %s", m.ID)
		}
		seen[m.ID] = true
		if m.CompactThreshold >= m.ContextWindow {
			t.Errorf("%s: compact threshold %d not below window %d", m.ID, m.CompactThreshold, m.ContextWindow)
		}
	}
}
