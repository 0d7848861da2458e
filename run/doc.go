// Package run defines the billable run model, its status machine, and the
// versioned CAS store contract that every backend must honor.
package run
