// Package crawler holds the domain vocabulary of the atelier pipeline: raw and
// normalized records, crawl runs and their statuses, the collaborator
// interfaces (renderer, stores, queue, publisher) and the URL key used for
// deduplication both during a crawl and at the store boundary.
package crawler
