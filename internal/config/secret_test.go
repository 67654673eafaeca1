package config

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	s := Secret("0123456789abcdef0123456789abcdef")

	if got := s.String(); got != "***" {
		t.Errorf("String() = %q, want ***", got)
	}
	if got := fmt.Sprintf("%v", s); got != "***" {
		t.Errorf("%%v = %q, want ***", got)
	}

	data, err := json.Marshal(CredentialsConfig{Store: StoreSealed, Key: s})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"store":"sealed","key":"***"}` {
		t.Errorf("marshal = %s", data)
	}

	if Secret("").String() != "" {
		t.Error("empty secret should print empty")
	}
}
