package ledger

import "errors"

var errLedgerClosed = errors.New("ledger: closed")
