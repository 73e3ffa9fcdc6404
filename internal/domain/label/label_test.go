package label

import "testing"

func TestNewOrdering(t *testing.T) {
	o, err := NewOrdering("premium", "standard", "economy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Len() != 3 {
		t.Errorf("Len() = %d", o.Len())
	}
	if o.At(1) != "standard" {
		t.Errorf("At(1) = %q", o.At(1))
	}
	if o.Index("economy") != 2 {
		t.Errorf("Index(economy) = %d", o.Index("economy"))
	}
	if o.Index("missing") != -1 {
		t.Errorf("Index(missing) = %d", o.Index("missing"))
	}
	if !o.Contains("premium") || o.Contains("gold") {
		t.Error("Contains mismatch")
	}
}

func TestNewOrdering_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
	}{
		{"empty", nil},
		{"blank", []string{"premium", " "}},
		{"duplicate", []string{"premium", "standard", "premium"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewOrdering(tc.labels...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLabels_ReturnsCopy(t *testing.T) {
	o := MustOrdering("a", "b")
	ls := o.Labels()
	ls[0] = "z"
	if o.At(0) != "a" {
		t.Error("ordering mutated through Labels()")
	}
}
