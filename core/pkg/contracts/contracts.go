// Package contracts holds the interfaces the caravan runtime is composed
// from. Application code and contrib drivers depend on these contracts, never
// on each other.
package contracts
