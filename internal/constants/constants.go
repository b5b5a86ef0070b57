// Package constants defines application-wide constants and version information.
package constants

// Version identifies the pipeline release. It is stamped into every
// snapshot's run metadata and reported by the health endpoint.
const Version = "1.0.0"

// ServiceName is the logical name reported by the health endpoint.
const ServiceName = "matopiba-forecast-pipeline"
