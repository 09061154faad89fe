// Package main hosts the trust crawler entrypoint.
//
// Architecture overview:
//   - Graph store: pages, keywords and links live in memory, in an embedded SQLite file
//     (default under the XDG data directory) or in Postgres, selected by store.provider.
//   - Scheduler: once per interval the trust engine recomputes every page's score over the
//     whole link graph, pages whose trust just rose past the promotion threshold enter the
//     frontier, and the most trusted frontier page is fetched. Fetches never hold store locks.
//   - Query: search is a conjunctive keyword match ordered by trust; submitting a URL marks it
//     fully trusted and fetches it synchronously when it has not been fetched yet.
//   - Fanout: each applied fetch result is announced as a discovery event on the configured
//     publisher (none, memory or Pub/Sub).
//   - Plumbing: Viper loads config from file and TRUSTCRAWLER_* env vars; zap provides
//     structured logging; Prometheus metrics are exported on /metrics.
//
// Quick checklist:
//   - Run locally: go run ./cmd/trustcrawler serve (or --config config.yaml).
//   - Seed the graph: trustcrawler submit https://example.com
//   - Query it: trustcrawler search some words; trustcrawler status
package main

func main() {
	Execute()
}
