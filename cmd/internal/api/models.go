package api

import (
	"strings"
	"time"

	"nostrid/cmd/internal/ledger"
)

type availabilityResponse struct {
	Username  string `json:"username"`
	Domain    string `json:"domain"`
	Available bool   `json:"available"`
}

type registerRequest struct {
	Username string `json:"username"`
	Pubkey   string `json:"pubkey"`
	Domain   string `json:"domain,omitempty"`
}

type registerResponse struct {
	Success bool   `json:"success"`
	NIP05   string `json:"nip05,omitempty"`
	Error   string `json:"error,omitempty"`
}

type pendingRequest struct {
	Username    string `json:"username"`
	Pubkey      string `json:"pubkey"`
	Domain      string `json:"domain,omitempty"`
	PaymentHash string `json:"payment_hash"`
}

type pendingResponse struct {
	NIP05       string `json:"nip05"`
	PaymentHash string `json:"payment_hash"`
	Amount      int64  `json:"amount"`
}

type cancelRequest struct {
	Username string `json:"username"`
	Domain   string `json:"domain,omitempty"`
}

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type confirmRequest struct {
	Username    string `json:"username"`
	Pubkey      string `json:"pubkey"`
	Domain      string `json:"domain,omitempty"`
	PaymentHash string `json:"payment_hash"`
}

type confirmResponse struct {
	Paid  bool   `json:"paid"`
	Error string `json:"error,omitempty"`
}

type pubkeyRequest struct {
	Pubkey string `json:"pubkey"`
}

type convertPubkeyResponse struct {
	Hex  string `json:"hex"`
	Npub string `json:"npub"`
}

type checkPubkeyResponse struct {
	Hex        string   `json:"hex"`
	Registered bool     `json:"registered"`
	Names      []string `json:"names,omitempty"`
}

type updateRecordRequest struct {
	NIP05  string `json:"nip05"`
	Pubkey string `json:"pubkey"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type recordResponse struct {
	ID               int64     `json:"id"`
	NIP05            string    `json:"nip05"`
	Npub             string    `json:"npub"`
	PubkeyHex        string    `json:"pubkey_hex"`
	PaymentHash      *string   `json:"payment_hash,omitempty"`
	PaymentCompleted bool      `json:"payment_completed"`
	AdminOnly        bool      `json:"admin_only"`
	InNameFile       bool      `json:"in_name_file"`
	RegistrationDate time.Time `json:"registration_date"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type recordsResponse struct {
	Records []recordResponse `json:"records"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

type latestRecordResponse struct {
	NIP05            string    `json:"nip05"`
	Npub             string    `json:"npub"`
	PaymentCompleted bool      `json:"payment_completed"`
	AdminOnly        bool      `json:"admin_only"`
	InNameFile       bool      `json:"in_name_file"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toRecordResponse(r ledger.Record) recordResponse {
	return recordResponse{
		ID:               r.ID,
		NIP05:            r.NIP05,
		Npub:             r.Npub,
		PubkeyHex:        r.PubkeyHex,
		PaymentHash:      r.PaymentHash,
		PaymentCompleted: r.PaymentCompleted,
		AdminOnly:        r.AdminOnly,
		InNameFile:       r.InNameFile,
		RegistrationDate: r.RegistrationDate,
		UpdatedAt:        r.UpdatedAt,
	}
}

// toLatestRecord masks the identifier and key for the public feed.
func toLatestRecord(r ledger.Record) latestRecordResponse {
	return latestRecordResponse{
		NIP05:            maskNIP05(r.NIP05),
		Npub:             maskNpub(r.Npub),
		PaymentCompleted: r.PaymentCompleted,
		AdminOnly:        r.AdminOnly,
		InNameFile:       r.InNameFile,
		UpdatedAt:        r.UpdatedAt,
	}
}

func maskNIP05(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return s
	}
	user, domain := s[:at], s[at+1:]
	if len(user) <= 3 {
		return "***@" + domain
	}
	return "***" + user[3:] + "@" + domain
}

func maskNpub(s string) string {
	if len(s) <= 20 {
		return s
	}
	return "npub1********" + s[8:len(s)-8] + "********"
}
