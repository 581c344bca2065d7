package domain

import "time"

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

// Quota holds the usage counters of one account. LastHourlyReset is an hour
// key (see HourKey) and LastDailyResetDate a date key (see DateKey).
type Quota struct {
	HourlyUsed         int    `json:"hourly_used"`
	HourlyLimit        int    `json:"hourly_limit" validate:"gte=0"`
	DailyUsed          int    `json:"daily_used"`
	DailyLimit         int    `json:"daily_limit" validate:"gte=0"`
	LastHourlyReset    string `json:"last_hourly_reset,omitempty"`
	LastDailyResetDate string `json:"last_daily_reset_date,omitempty"`
}

type Account struct {
	ID        string        `json:"id"`
	Name      string        `json:"name" validate:"required"`
	Status    AccountStatus `json:"status" validate:"oneof=active inactive"`
	Quota     Quota         `json:"quota"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func HourKey(t time.Time) string { return t.Format("2006-01-02T15") }

func DateKey(t time.Time) string { return t.Format("2006-01-02") }
