package main

import (
	"errors"
	"fmt"

	"github.com/barnettlynn/felicatools/issuer/internal/config"
	"github.com/barnettlynn/felicatools/pkg/felicalite"
)

// withSession connects to link, runs fn and closes the session before
// returning, so callers may exit on the returned error.
func withSession(link felicalite.Link, fn func(*felicalite.Session) error, opts ...felicalite.Option) error {
	sess, err := felicalite.Connect(link, opts...)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	err = fn(sess)
	if cerr := sess.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close failed: %w", cerr)
	}
	return err
}

type issueParams struct {
	dfd        uint16
	keyVersion uint16
	tail       [felicalite.IDTailSize]byte
}

// issueParamsFrom merges flag overrides into the configured issuance values.
func issueParamsFrom(cfg *config.Config, dfdOverride string, keyVersionOverride int) (issueParams, error) {
	var p issueParams

	dfdHex := cfg.Issuance.DFD
	if dfdOverride != "" {
		dfdHex = dfdOverride
	}
	dfd, err := config.ParseDFD(dfdHex)
	if err != nil {
		return p, fmt.Errorf("-dfd: %w", err)
	}
	p.dfd = dfd

	p.keyVersion = cfg.KeyVersion()
	if keyVersionOverride != 0 {
		if keyVersionOverride < 1 || keyVersionOverride > 0xFFFF {
			return p, errors.New("-key-version must be in 1..65535")
		}
		p.keyVersion = uint16(keyVersionOverride)
	}

	p.tail, err = cfg.IDTail()
	if err != nil {
		return p, err
	}
	return p, nil
}

// issueCard personalizes the connected card.
//
// Steps:
//  1. Poll and check the system code
//  2. Confirm the card is not issued
//  3. Write ID (D_ID + DFD + tail)
//  4. Write the derived card key and verify it by MAC
//  5. Write the key version
func issueCard(sess *felicalite.Session, masterKey []byte, p issueParams) error {
	idm, _ := sess.IDm()
	fmt.Printf("Issuing card %s (DFD %04X, key version %d)...\n", idm, p.dfd, p.keyVersion)

	is := felicalite.NewIssuance(sess)
	is.SetIDTail(p.tail)
	res, err := is.Issue(p.dfd, masterKey, p.keyVersion)
	if res != felicalite.ResultSuccess {
		if _, state, step, ok := felicalite.ClassifyIssueError(err); ok {
			return fmt.Errorf("issue failed: %s at %q (reached %s): %w", res, step, state, err)
		}
		return fmt.Errorf("issue failed: %s: %w", res, err)
	}

	fmt.Println("Card issued successfully!")
	fmt.Printf("  IDm: %s\n", idm)
	fmt.Printf("  DFD: %04X\n", p.dfd)
	fmt.Printf("  Key version: %d\n", p.keyVersion)
	fmt.Println("  System blocks left unlocked; run with -lock to commit.")
	return nil
}

func verifyCard(sess *felicalite.Session, masterKey []byte) error {
	idm, _ := sess.IDm()
	ok, err := sess.VerifyMAC(masterKey)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("card %s: MAC mismatch, card key does not match this master key", idm)
	}
	fmt.Printf("Card %s: MAC verified\n", idm)
	return nil
}

func dumpCard(sess *felicalite.Session) error {
	idm, _ := sess.IDm()
	entries, err := sess.Dump()
	if err != nil {
		return fmt.Errorf("dump failed: %w", err)
	}
	felicalite.PrintDump(idm, entries)

	status, ok, err := sess.IssuanceStatus()
	if err != nil {
		return fmt.Errorf("read issuance status: %w", err)
	}
	if ok {
		felicalite.PrintStatus(idm, status)
	}
	return nil
}

func lockCard(sess *felicalite.Session, masterKey []byte) error {
	idm, _ := sess.IDm()
	if !confirm(fmt.Sprintf("Lock system blocks of card %s? This cannot be undone. [y/N]", idm)) {
		return errors.New("lock cancelled")
	}
	ok, err := sess.LockSystemBlocks(masterKey)
	if err != nil {
		return fmt.Errorf("lock failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("card %s not locked: card key not verified or MC did not read back locked", idm)
	}
	fmt.Printf("Card %s: system blocks locked\n", idm)
	return nil
}
