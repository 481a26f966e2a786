// Package deploy contains the pure domain model for single-host blue/green
// deployments: deployment records, the orchestration phase machine, the
// error taxonomy, and resource naming. No I/O, values in and out.
//
// The imperative shell (internal/shell/deployer) drives these values through
// the Docker runtime, the health gate, and the ledger.
package deploy
