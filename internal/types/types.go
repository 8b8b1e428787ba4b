// Package types provides common type definitions for the LP portfolio reader.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// PortfolioKey identifies one client portfolio (the wallet address the
// positions belong to). Keys are opaque and case-sensitive.
type PortfolioKey string

// Normalize trims surrounding whitespace from the key
func (k PortfolioKey) Normalize() PortfolioKey {
	return PortfolioKey(strings.TrimSpace(string(k)))
}

// IsValid reports whether the key is non-empty after normalization
func (k PortfolioKey) IsValid() bool {
	return k.Normalize() != ""
}

func (k PortfolioKey) String() string {
	return string(k)
}

// Position represents one liquidity-provider stake
type Position struct {
	Mint            string          `json:"mint"`
	Protocol        string          `json:"protocol"`
	Amount          string          `json:"amount"` // Raw decimal string, never converted to float
	Pool            *PoolDescriptor `json:"pool,omitempty"`
	Tokens          *TokenBreakdown `json:"tokens,omitempty"`
	ValueUSD        *float64        `json:"valueUSD,omitempty"` // nil means price unknown, not zero
	LastPriceUpdate *time.Time      `json:"lastPriceUpdate,omitempty"`
	Metrics         MetricsBag      `json:"metrics,omitempty"`
}

// HasPrice reports whether a USD value is known for the position
func (p Position) HasPrice() bool {
	return p.ValueUSD != nil
}

// ProtocolMetrics returns the opaque metrics bag tagged with the protocol that produced it
func (p Position) ProtocolMetrics() (string, MetricsBag) {
	return p.Protocol, p.Metrics
}

// PoolDescriptor describes the pool a position belongs to
type PoolDescriptor struct {
	Address    string   `json:"address"`
	Name       string   `json:"name,omitempty"`
	TokenAMint string   `json:"tokenAMint,omitempty"`
	TokenBMint string   `json:"tokenBMint,omitempty"`
	FeeTier    *float64 `json:"feeTier,omitempty"`
}

// TokenBreakdown holds the two priced token legs of a position
type TokenBreakdown struct {
	TokenA TokenLeg `json:"tokenA"`
	TokenB TokenLeg `json:"tokenB"`
}

// TokenLeg is one side of a two-token position
type TokenLeg struct {
	Symbol   string   `json:"symbol"`
	Decimals int      `json:"decimals"`
	Amount   string   `json:"amount"`
	UIAmount *float64 `json:"uiAmount,omitempty"`
	PriceUSD *float64 `json:"priceUSD,omitempty"`
	ValueUSD *float64 `json:"valueUSD,omitempty"`
}

// MetricsBag is a protocol-specific key/value map. Its contents are passed
// through untouched.
type MetricsBag map[string]json.RawMessage

// Summary holds aggregates derived from a set of positions
type Summary struct {
	TotalPositions      int      `json:"totalPositions"`
	Protocols           []string `json:"protocols"`
	TotalValueUSD       float64  `json:"totalValueUSD"`
	PositionsWithPrices int      `json:"positionsWithPrices"`
}

// PortfolioSnapshot is the full set of positions for one key at one point in time
type PortfolioSnapshot struct {
	LPPositions []Position `json:"lpPositions"`
	Summary     *Summary   `json:"summary,omitempty"`
}

// BackupRecord is a snapshot persisted locally after a successful remote resolution
type BackupRecord struct {
	Key        PortfolioKey       `json:"key"`
	Snapshot   *PortfolioSnapshot `json:"data"`
	CapturedAt time.Time          `json:"capturedAt"`
}

// Age returns how long ago the record was captured
func (r *BackupRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CapturedAt)
}

// OutcomeKind tags which tier produced a resolution
type OutcomeKind string

const (
	// OutcomeCacheHit means the shared remote cache answered
	OutcomeCacheHit OutcomeKind = "cache_hit"
	// OutcomeRemoteHit means one of the remote endpoints answered
	OutcomeRemoteHit OutcomeKind = "remote_hit"
	// OutcomeBackupHit means the local backup was used
	OutcomeBackupHit OutcomeKind = "backup_hit"
	// OutcomeEmpty means no tier produced data
	OutcomeEmpty OutcomeKind = "empty"
)

// DataQuality lets consumers tell fresh data from fallback data
type DataQuality string

const (
	// QualityFresh is data from the cache or a remote endpoint
	QualityFresh DataQuality = "fresh"
	// QualityBackup is possibly stale data from the local backup
	QualityBackup DataQuality = "backup"
	// QualityEmptyFallback is a synthesized empty snapshot
	QualityEmptyFallback DataQuality = "empty-fallback"
)

// ResolutionOutcome is the tagged result of one resolution attempt
type ResolutionOutcome struct {
	Kind       OutcomeKind        `json:"kind"`
	Snapshot   *PortfolioSnapshot `json:"snapshot"`
	Source     string             `json:"source,omitempty"` // Endpoint that served a remote hit
	Age        time.Duration      `json:"age,omitempty"`    // Age of a backup hit
	Quality    DataQuality        `json:"dataQuality"`
	ResolvedAt time.Time          `json:"resolvedAt"`
}

// CacheHit creates an outcome served by the remote cache
func CacheHit(snapshot *PortfolioSnapshot) *ResolutionOutcome {
	return &ResolutionOutcome{
		Kind:       OutcomeCacheHit,
		Snapshot:   snapshot.Normalize(),
		Quality:    QualityFresh,
		ResolvedAt: time.Now(),
	}
}

// RemoteHit creates an outcome served by the given endpoint
func RemoteHit(snapshot *PortfolioSnapshot, source string) *ResolutionOutcome {
	return &ResolutionOutcome{
		Kind:       OutcomeRemoteHit,
		Snapshot:   snapshot.Normalize(),
		Source:     source,
		Quality:    QualityFresh,
		ResolvedAt: time.Now(),
	}
}

// BackupHit creates an outcome served by the local backup
func BackupHit(snapshot *PortfolioSnapshot, age time.Duration) *ResolutionOutcome {
	return &ResolutionOutcome{
		Kind:       OutcomeBackupHit,
		Snapshot:   snapshot.Normalize(),
		Age:        age,
		Quality:    QualityBackup,
		ResolvedAt: time.Now(),
	}
}

// Empty creates the terminal empty outcome
func Empty() *ResolutionOutcome {
	return &ResolutionOutcome{
		Kind:       OutcomeEmpty,
		Snapshot:   EmptySnapshot(),
		Quality:    QualityEmptyFallback,
		ResolvedAt: time.Now(),
	}
}

// IsEmpty reports whether the outcome is the synthesized empty fallback
func (o *ResolutionOutcome) IsEmpty() bool {
	return o == nil || o.Kind == OutcomeEmpty
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
