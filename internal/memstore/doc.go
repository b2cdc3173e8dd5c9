// Package memstore holds in-memory implementations of the queue, asset and
// execution log stores. They back tests and local runs without Postgres;
// nothing is persisted.
package memstore
