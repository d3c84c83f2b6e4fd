package domain

import (
	"fmt"
	"strings"
)

type Variant string

const (
	VariantRDH       Variant = "rdh"
	VariantDDV       Variant = "ddv"
	VariantPinTan    Variant = "pintan"
	VariantAnonymous Variant = "anonymous"
)

func ParseVariant(raw string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(raw)))
	switch v {
	case VariantRDH, VariantDDV, VariantPinTan, VariantAnonymous:
		return v, nil
	default:
		return "", fmt.Errorf("unknown security variant %q", raw)
	}
}

type Identity struct {
	Country    string
	BLZ        string
	UserID     string
	CustomerID string
	SysID      string
}

type Endpoint struct {
	Host       string
	Port       int
	FilterType string
}

func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

type Account struct {
	Number     string
	SubNumber  string
	IBAN       string
	BIC        string
	Currency   string
	Name       string
	CustomerID string
	Country    string
	BLZ        string
}

// Profile names one configured bank access.
type Profile struct {
	Name         string
	Variant      Variant
	PassportPath string
	Version      string
	Description  string
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if _, err := ParseVariant(string(p.Variant)); err != nil {
		return err
	}
	if p.Variant != VariantAnonymous && strings.TrimSpace(p.PassportPath) == "" {
		return fmt.Errorf("profile %s: passport path is required", p.Name)
	}
	return nil
}
