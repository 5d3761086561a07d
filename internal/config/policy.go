package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CommissionPolicy is the operator-tunable settlement policy: how much of a
// referred payment becomes commission, how long it is held, and the minimum
// balance an affiliate needs before a payout can be requested.
type CommissionPolicy struct {
	// RateBps is the commission rate in basis points of the paid amount.
	RateBps int64 `mapstructure:"rateBps"`
	// FirstPaymentBonusBps is an extra one-time bonus on the first payment of
	// a subscription, in basis points. Zero disables the bonus.
	FirstPaymentBonusBps int64 `mapstructure:"firstPaymentBonusBps"`
	// HoldDays delays availability past accrual, covering the refund window.
	HoldDays int `mapstructure:"holdDays"`
	// MinRedemptionCents maps currency code to the minimum payout amount.
	MinRedemptionCents map[string]int64 `mapstructure:"minRedemptionCents"`
	// DefaultMinRedemptionCents applies to currencies absent from the map.
	DefaultMinRedemptionCents int64 `mapstructure:"defaultMinRedemptionCents"`
}

func DefaultCommissionPolicy() CommissionPolicy {
	return CommissionPolicy{
		RateBps:              1000,
		FirstPaymentBonusBps: 0,
		HoldDays:             7,
		MinRedemptionCents: map[string]int64{
			"usd": 5000,
			"brl": 10000,
		},
		DefaultMinRedemptionCents: 5000,
	}
}

// MinRedemption returns the minimum payout threshold for a currency.
func (p CommissionPolicy) MinRedemption(currency string) int64 {
	if v, ok := p.MinRedemptionCents[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return v
	}
	return p.DefaultMinRedemptionCents
}

type PolicyHolder struct {
	current atomic.Value // holds CommissionPolicy
}

// NewStaticPolicyHolder wraps a fixed policy, used by tests.
func NewStaticPolicyHolder(p CommissionPolicy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("commission")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/commissary/config")
	v.AddConfigPath("/etc/commissary")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COMMISSARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultCommissionPolicy()
		v.SetDefault("commission.rateBps", defaults.RateBps)
		v.SetDefault("commission.firstPaymentBonusBps", defaults.FirstPaymentBonusBps)
		v.SetDefault("commission.holdDays", defaults.HoldDays)
		v.SetDefault("commission.minRedemptionCents", defaults.MinRedemptionCents)
		v.SetDefault("commission.defaultMinRedemptionCents", defaults.DefaultMinRedemptionCents)
	}

	var policy CommissionPolicy
	if err := v.UnmarshalKey("commission", &policy); err != nil {
		return nil, err
	}
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CommissionPolicy
		if err := v.UnmarshalKey("commission", &updated); err != nil {
			log.Printf("[commission-policy] reload failed: %v", err)
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Printf("[commission-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[commission-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyHolder) Get() CommissionPolicy {
	return h.current.Load().(CommissionPolicy)
}

func validatePolicy(p CommissionPolicy) error {
	if p.RateBps <= 0 || p.RateBps > 10000 {
		return errors.New("commission.rateBps must be in (0, 10000]")
	}
	if p.FirstPaymentBonusBps < 0 || p.FirstPaymentBonusBps > 10000 {
		return errors.New("commission.firstPaymentBonusBps must be in [0, 10000]")
	}
	if p.HoldDays < 0 {
		return errors.New("commission.holdDays cannot be negative")
	}
	if p.DefaultMinRedemptionCents < 0 {
		return errors.New("commission.defaultMinRedemptionCents cannot be negative")
	}
	return nil
}
