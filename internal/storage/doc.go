// Package storage persists the pipeline's durable state: the delivery
// journal (terminal send outcomes) and the event dedup marks that let
// duplicate suppression survive a restart.
package storage
