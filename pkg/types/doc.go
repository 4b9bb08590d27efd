/*
Package types holds the domain model shared by both roles: node
identity, load samples, bundle records, spawn options, worker lifecycle
states, and the dispatch error taxonomy.
*/
package types
