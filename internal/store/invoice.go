package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InvoicePrefix returns the day prefix for invoice numbers, e.g.
// "INV/26/08/31/" for 2026-08-31. The trailing slash is part of the
// prefix so serial extraction is a plain suffix cut.
func InvoicePrefix(t time.Time) string {
	return fmt.Sprintf("INV/%02d/%02d/%02d/", t.Year()%100, int(t.Month()), t.Day())
}

// FormatInvoice builds a full invoice number from a prefix and serial.
// Serials are zero padded to five digits and keep growing past 99999.
func FormatInvoice(prefix string, serial int) string {
	return fmt.Sprintf("%s%05d", prefix, serial)
}

// InvoiceSerial extracts the trailing serial from an invoice number with
// the given prefix. Returns 0 for numbers that do not match the prefix or
// carry a non-numeric tail, so a max-scan over them stays well defined.
func InvoiceSerial(prefix string, invoiceNo string) int {
	tail, ok := strings.CutPrefix(invoiceNo, prefix)
	if !ok {
		return 0
	}
	serial, err := strconv.Atoi(tail)
	if err != nil || serial < 0 {
		return 0
	}
	return serial
}
