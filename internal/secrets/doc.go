// Package secrets redacts credentials from text that leaves the process,
// chiefly shell verification output returned to the client.
//
// Two detectors run over the same input: a compact set of regexp rules and,
// when enabled, the gitleaks default rule set. Matches are merged and
// replaced in one pass. A TOML allowlist exempts known-safe values.
package secrets
