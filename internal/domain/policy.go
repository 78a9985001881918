package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// VerificationMethod is how a gate accepts item confirmations.
type VerificationMethod string

const (
	MethodScanOnly       VerificationMethod = "scan_only"
	MethodScanOrCheckoff VerificationMethod = "scan_or_checkoff"
	MethodSignature      VerificationMethod = "signature"
)

func ParseVerificationMethod(s string) (VerificationMethod, error) {
	switch m := VerificationMethod(s); m {
	case MethodScanOnly, MethodScanOrCheckoff, MethodSignature:
		return m, nil
	}
	return "", Invalidf("unknown verification method %q", s)
}

type DiscrepancyAction string

const (
	DiscrepancyBlock DiscrepancyAction = "block"
	DiscrepancyWarn  DiscrepancyAction = "warn"
)

func ParseDiscrepancyAction(s string) (DiscrepancyAction, error) {
	switch a := DiscrepancyAction(s); a {
	case DiscrepancyBlock, DiscrepancyWarn:
		return a, nil
	}
	return "", Invalidf("unknown discrepancy action %q", s)
}

type VerificationGranularity string

const (
	GranularityKitOnly        VerificationGranularity = "kit_only"
	GranularityVerifyContents VerificationGranularity = "verify_contents"
)

func ParseVerificationGranularity(s string) (VerificationGranularity, error) {
	switch g := VerificationGranularity(s); g {
	case GranularityKitOnly, GranularityVerifyContents:
		return g, nil
	}
	return "", Invalidf("unknown verification granularity %q", s)
}

type ReceiverTiming string

const (
	TimingSameSession ReceiverTiming = "same_session"
	TimingAsyncLink   ReceiverTiming = "async_link"
	TimingBoth        ReceiverTiming = "both"
)

func ParseReceiverTiming(s string) (ReceiverTiming, error) {
	switch t := ReceiverTiming(s); t {
	case TimingSameSession, TimingAsyncLink, TimingBoth:
		return t, nil
	}
	return "", Invalidf("unknown receiver verification timing %q", s)
}

func (t ReceiverTiming) AllowsSync() bool  { return t == TimingSameSession || t == TimingBoth }
func (t ReceiverTiming) AllowsAsync() bool { return t == TimingAsyncLink || t == TimingBoth }

type TransitionAuthority string

const (
	AuthorityAnyone             TransitionAuthority = "anyone"
	AuthorityCustodianOnly      TransitionAuthority = "custodian_only"
	AuthorityCustodianAndAdmins TransitionAuthority = "custodian_and_admins"
)

func ParseTransitionAuthority(s string) (TransitionAuthority, error) {
	switch a := TransitionAuthority(s); a {
	case AuthorityAnyone, AuthorityCustodianOnly, AuthorityCustodianAndAdmins:
		return a, nil
	}
	return "", Invalidf("unknown transition authority %q", s)
}

type ExtensionMode string

const (
	ExtensionManual     ExtensionMode = "manual"
	ExtensionAutoExtend ExtensionMode = "auto_extend"
)

func ParseExtensionMode(s string) (ExtensionMode, error) {
	switch m := ExtensionMode(s); m {
	case ExtensionManual, ExtensionAutoExtend:
		return m, nil
	}
	return "", Invalidf("unknown extension mode %q", s)
}

type GatePolicy struct {
	Required bool               `json:"required"`
	Method   VerificationMethod `json:"method"`
}

type ReceiverPolicy struct {
	Required bool               `json:"required"`
	Method   VerificationMethod `json:"method"`
	Timing   ReceiverTiming     `json:"timing"`
}

type ExtensionPolicy struct {
	Mode        ExtensionMode `json:"mode"`
	AutoMaxDays int           `json:"auto_max_days"`
}

// PolicySnapshot is the part of the organization policy copied onto a
// transaction when it is reserved. Later policy edits never touch it.
type PolicySnapshot struct {
	Checkout            GatePolicy              `json:"checkout"`
	Receiver            ReceiverPolicy          `json:"receiver"`
	Checkin             GatePolicy              `json:"checkin"`
	DiscrepancyAction   DiscrepancyAction       `json:"discrepancy_action"`
	KitVerification     VerificationGranularity `json:"kit_verification"`
	PackageVerification VerificationGranularity `json:"package_verification"`
	GracePeriodHours    int                     `json:"grace_period_hours"`
	TransitionAuthority TransitionAuthority     `json:"transition_authority"`
	Extension           ExtensionPolicy         `json:"extension"`
	AsyncLinkTTLHours   int                     `json:"async_link_ttl_hours"`
}

func (p PolicySnapshot) Validate() error {
	for name, m := range map[string]VerificationMethod{
		"checkout": p.Checkout.Method,
		"checkin":  p.Checkin.Method,
		"receiver": p.Receiver.Method,
	} {
		if _, err := ParseVerificationMethod(string(m)); err != nil {
			return fmt.Errorf("%s method: %w", name, err)
		}
	}
	if _, err := ParseReceiverTiming(string(p.Receiver.Timing)); err != nil {
		return err
	}
	if _, err := ParseDiscrepancyAction(string(p.DiscrepancyAction)); err != nil {
		return err
	}
	if _, err := ParseVerificationGranularity(string(p.KitVerification)); err != nil {
		return err
	}
	if _, err := ParseVerificationGranularity(string(p.PackageVerification)); err != nil {
		return err
	}
	if _, err := ParseTransitionAuthority(string(p.TransitionAuthority)); err != nil {
		return err
	}
	if _, err := ParseExtensionMode(string(p.Extension.Mode)); err != nil {
		return err
	}
	if p.GracePeriodHours < 0 {
		return Invalidf("grace period hours cannot be negative")
	}
	if p.Extension.AutoMaxDays < 0 {
		return Invalidf("auto extension max days cannot be negative")
	}
	if p.AsyncLinkTTLHours <= 0 {
		return Invalidf("async link ttl must be positive")
	}
	return nil
}

func (p PolicySnapshot) GracePeriod() time.Duration {
	return time.Duration(p.GracePeriodHours) * time.Hour
}

func (p PolicySnapshot) AsyncLinkTTL() time.Duration {
	return time.Duration(p.AsyncLinkTTLHours) * time.Hour
}

// GateFor returns the required flag and method configured for a gate.
func (p PolicySnapshot) GateFor(g Gate) (bool, VerificationMethod) {
	switch g {
	case GateCheckoutSender:
		return p.Checkout.Required, p.Checkout.Method
	case GateCheckoutReceiver:
		return p.Receiver.Required, p.Receiver.Method
	case GateCheckin:
		return p.Checkin.Required, p.Checkin.Method
	}
	return false, ""
}

// Marshal encodes the snapshot for storage.
func (p PolicySnapshot) Marshal() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalPolicySnapshot(raw string) (*PolicySnapshot, error) {
	if raw == "" {
		return nil, nil
	}
	var p PolicySnapshot
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode policy snapshot: %w", err)
	}
	return &p, nil
}

// OrgPolicy is an organization's current Gear House settings.
type OrgPolicy struct {
	OrgID uuid.UUID `json:"org_id"`
	PolicySnapshot
	LateFeePerDay decimal.Decimal `json:"late_fee_per_day"`
	DepositAmount decimal.Decimal `json:"deposit_amount"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *OrgPolicy) Validate() error {
	if err := p.PolicySnapshot.Validate(); err != nil {
		return err
	}
	if p.LateFeePerDay.IsNegative() || p.DepositAmount.IsNegative() || p.TaxRate.IsNegative() {
		return Invalidf("pricing defaults cannot be negative")
	}
	if p.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return Invalidf("tax rate is a fraction and cannot exceed 1")
	}
	return nil
}

// DefaultOrgPolicy is used for organizations that never saved settings.
func DefaultOrgPolicy(orgID uuid.UUID) *OrgPolicy {
	return &OrgPolicy{
		OrgID: orgID,
		PolicySnapshot: PolicySnapshot{
			Checkout:            GatePolicy{Required: true, Method: MethodScanOrCheckoff},
			Receiver:            ReceiverPolicy{Required: false, Method: MethodSignature, Timing: TimingSameSession},
			Checkin:             GatePolicy{Required: true, Method: MethodScanOrCheckoff},
			DiscrepancyAction:   DiscrepancyWarn,
			KitVerification:     GranularityVerifyContents,
			PackageVerification: GranularityKitOnly,
			GracePeriodHours:    0,
			TransitionAuthority: AuthorityCustodianAndAdmins,
			Extension:           ExtensionPolicy{Mode: ExtensionManual},
			AsyncLinkTTLHours:   72,
		},
		LateFeePerDay: decimal.Zero,
		DepositAmount: decimal.Zero,
		TaxRate:       decimal.Zero,
	}
}

// PricingSnapshot holds the money inputs captured at transaction creation.
type PricingSnapshot struct {
	ListingID       *uuid.UUID      `json:"listing_id,omitempty"`
	DailyRate       decimal.Decimal `json:"daily_rate"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	LateFeePerDay   decimal.Decimal `json:"late_fee_per_day"`
	DepositHeld     decimal.Decimal `json:"deposit_held"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
}
