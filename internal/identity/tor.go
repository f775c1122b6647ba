package identity

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/AshfordSecurity/carousel/internal/logger"
)

// TorController speaks the tor control protocol just enough to request a
// fresh circuit. Renewals are rate limited; tor ignores NEWNYM signals
// sent faster than it is willing to build circuits anyway.
type TorController struct {
	addr        string
	password    string
	log         *logger.Logger
	minInterval time.Duration
	timeout     time.Duration

	mu          sync.Mutex
	lastRenewal time.Time
}

func NewTorController(addr, password string, log *logger.Logger) *TorController {
	return &TorController{
		addr:        addr,
		password:    password,
		log:         log.WithComponent("tor_control"),
		minInterval: 10 * time.Second,
		timeout:     10 * time.Second,
	}
}

// RenewCircuit asks tor for a new exit circuit. A renewal inside the
// minimum interval returns an error so the caller falls back to cooling
// down instead of trusting a circuit that never changed.
func (t *TorController) RenewCircuit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if since := time.Since(t.lastRenewal); since < t.minInterval {
		return fmt.Errorf("circuit renewed %s ago, minimum interval %s",
			since.Round(time.Millisecond), t.minInterval)
	}

	conn, err := net.DialTimeout("tcp", t.addr, t.timeout)
	if err != nil {
		return fmt.Errorf("dial tor control port %s: %w", t.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(t.timeout))

	br := bufio.NewReader(conn)

	auth := "AUTHENTICATE"
	if t.password != "" {
		auth = fmt.Sprintf("AUTHENTICATE %q", t.password)
	}
	if err := t.command(conn, br, auth); err != nil {
		return fmt.Errorf("tor authentication: %w", err)
	}
	if err := t.command(conn, br, "SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("tor newnym: %w", err)
	}
	fmt.Fprintf(conn, "QUIT\r\n")

	t.lastRenewal = time.Now()
	t.log.Infow("Requested fresh tor circuit")
	return nil
}

func (t *TorController) command(conn net.Conn, br *bufio.Reader, cmd string) error {
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return err
	}
	line, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "250") {
		return fmt.Errorf("unexpected control reply %q", line)
	}
	return nil
}
