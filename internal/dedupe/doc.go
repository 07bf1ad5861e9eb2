// Package dedupe remembers recently seen webhook dedupe keys so provider
// retries inside a configurable window are acknowledged without reprocessing.
package dedupe
