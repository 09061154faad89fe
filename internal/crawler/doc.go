// Package crawler defines the domain model of the trust crawler: pages and
// their link/keyword edges, the graph snapshot consumed by the trust engine,
// and the interfaces (GraphStore, Fetcher, Publisher, Clock) that the
// scheduler and query façade are wired against.
package crawler
