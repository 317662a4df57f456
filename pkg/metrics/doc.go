// Package metrics defines the Prometheus collectors for octad writes,
// drift scores, normalization outcomes, query latency, the metadata log,
// and federation peer health. Collection is in scope; exposing them over
// HTTP is a surface concern handled by an external collaborator.
package metrics
