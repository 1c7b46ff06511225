// internal/model/instance.go
package model

import "time"

type ConnectionState string

const (
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
	ConnectionConnecting ConnectionState = "connecting"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// InstanceHealthInfo is a point-in-time view of one gateway connection.
// It is derived on every call and never persisted.
type InstanceHealthInfo struct {
	InstanceName        string          `json:"instanceName"`
	Status              ConnectionState `json:"status"`
	WarmupProgress      float64         `json:"warmupProgress"`
	HealthScore         float64         `json:"healthScore"`
	IsRecommended       bool            `json:"isRecommended"`
	MessagesSent24h     int             `json:"messagesSent24h"`
	MessagesReceived24h int             `json:"messagesReceived24h"`
	ResponseRate        float64         `json:"responseRate"`
	DeliveryRate        float64         `json:"deliveryRate"`
	RiskLevel           RiskLevel       `json:"riskLevel"`
	CheckedAt           time.Time       `json:"checkedAt"`
}

type InstanceProfile struct {
	Name       string `json:"name,omitempty"`
	PictureURL string `json:"pictureUrl,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

// ProxyConfig, SyncInfo and ConnectionAttempt replace what used to be one
// free-form metadata blob on the instance.
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
}

type SyncInfo struct {
	SyncedAt time.Time `json:"syncedAt"`
	Source   string    `json:"source"`
}

type ConnectionAttempt struct {
	AttemptedAt time.Time       `json:"attemptedAt"`
	State       ConnectionState `json:"state"`
	Error       string          `json:"error,omitempty"`
}

// Instance is a gateway connection as reported by listInstances.
type Instance struct {
	Name           string             `json:"name"`
	State          ConnectionState    `json:"state"`
	Profile        *InstanceProfile   `json:"profile,omitempty"`
	Proxy          *ProxyConfig       `json:"proxy,omitempty"`
	LastSync       *SyncInfo          `json:"lastSync,omitempty"`
	LastConnection *ConnectionAttempt `json:"lastConnection,omitempty"`
}

// Metric rows read from the external stores.
type WarmupStats struct {
	InstanceName string    `db:"instance_name" json:"instanceName"`
	Progress     float64   `db:"progress" json:"progress"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

type HealthMetrics struct {
	InstanceName string    `db:"instance_name" json:"instanceName"`
	HealthScore  float64   `db:"health_score" json:"healthScore"`
	ResponseRate float64   `db:"response_rate" json:"responseRate"`
	DeliveryRate float64   `db:"delivery_rate" json:"deliveryRate"`
	RiskLevel    RiskLevel `db:"risk_level" json:"riskLevel"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

type TrafficStats struct {
	InstanceName string `json:"instanceName"`
	Sent24h      int    `json:"sent24h"`
	Received24h  int    `json:"received24h"`
}
