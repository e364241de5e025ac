package audit

import (
	"bufio"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"os"

	"github.com/helios-ops/helios/core/pkg/contracts"
)

// VerifyFile recomputes the hash chain of an existing audit file. It returns
// the chain head hash and the last sequence number so a new run can continue
// the chain. A missing file verifies trivially (empty chain).
//
// Failures are categorized: AuditTampered for any hash or linkage mismatch,
// AuditUnsigned when requireSigning is set and an entry lacks a signature
// (or carries one that does not verify against signSecret).
func VerifyFile(path, signSecret string, requireSigning bool) (head string, seq int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, contracts.NewError(contracts.CategoryStore, path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return "", 0, contracts.Errorf(contracts.CategoryAuditTampered, path,
				"line %d: not valid JSON: %v", lineNo, err)
		}

		if entry.PrevHash != head {
			return "", 0, contracts.Errorf(contracts.CategoryAuditTampered, path,
				"line %d: prev_hash mismatch (chain broken)", lineNo)
		}

		computed, err := computeHash(&entry)
		if err != nil {
			return "", 0, contracts.Errorf(contracts.CategoryAuditTampered, path,
				"line %d: recompute failed: %v", lineNo, err)
		}
		if computed != entry.Hash {
			return "", 0, contracts.Errorf(contracts.CategoryAuditTampered, path,
				"line %d: hash mismatch", lineNo)
		}

		if requireSigning {
			if entry.Sig == "" {
				return "", 0, contracts.Errorf(contracts.CategoryAuditUnsigned, path,
					"line %d: entry has no signature", lineNo)
			}
			if signSecret != "" && !hmac.Equal([]byte(entry.Sig), []byte(sign(signSecret, entry.Hash))) {
				return "", 0, contracts.Errorf(contracts.CategoryAuditUnsigned, path,
					"line %d: signature does not verify", lineNo)
			}
		}

		head = entry.Hash
		seq = entry.Seq
	}
	if err := scanner.Err(); err != nil {
		return "", 0, contracts.NewError(contracts.CategoryStore, path, err)
	}
	return head, seq, nil
}

// chainHead reads only the chain head of an existing file without verifying
// it, used when verify_on_start is disabled but the file already exists.
func chainHead(path string) (head string, seq int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return "", 0, fmt.Errorf("audit: malformed tail entry: %w", err)
		}
		head = entry.Hash
		seq = entry.Seq
	}
	return head, seq, scanner.Err()
}
