// Package script parses line-oriented dialogue scripts into ordered
// DialogueEvent values.
//
// A script is UTF-8 text with one `SPEAKER: utterance` per line. Blank lines
// and lines starting with '#' are skipped. Bracketed stage directions such as
// `[smiling]` are lifted out of the utterance into DialogueEvent.Directions.
// Parsing is pure: the same text always yields an equal event slice, and the
// slice is fully materialized so later stages can index into it freely.
package script
