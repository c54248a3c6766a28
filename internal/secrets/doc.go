// Package secrets redacts credentials from transcript text using the
// Gitleaks rule set before the text is embedded or stored.
package secrets
