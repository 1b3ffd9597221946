// Package provenance writes annotated flow documents.
//
// An Annotator observes one executor run and keeps an on-disk copy of the
// source flow tree extended with a <results> subtree: run metadata, the
// state, timing and outputs (or error) of every process, and the global
// outputs. The file is rewritten after every event by writing a temporary
// file and renaming it over the previous copy, so readers only ever see a
// complete document.
//
// Annotation never fails a run. Write errors are logged and the next event
// tries again.
package provenance
