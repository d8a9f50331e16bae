// Package deploy owns one tool-run lifecycle: it binds the asset feed and
// test harness services, hands their endpoints to worker launches, and
// sequences those launches serially or in parallel.
package deploy
