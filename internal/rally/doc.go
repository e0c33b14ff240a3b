// Package rally holds the domain types and collaborator interfaces shared by
// the fetch, extract and persistence subsystems of the results scraper.
//
// Data flows one way: a Transport returns raw bytes, the fetcher turns a 200
// response into a Page, an Extractor reads RallyLink and RawResultRow values
// from the page, and the persistence layer reconciles rows into the store.
// Nothing in this package performs I/O.
package rally
