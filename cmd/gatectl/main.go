// gatectl is the operator CLI for the policy gateway: token minting, gate
// management, approval decisions and kill switch control.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/Vleonone/aeonsage-sub000/pkg/auth"
	"github.com/Vleonone/aeonsage-sub000/pkg/httpx"
	"github.com/Vleonone/aeonsage-sub000/pkg/statebus"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

const requestRetries = 2

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "token":
		return mintToken(args[1:], out)
	case "gates":
		return listGates(args[1:], out)
	case "gate-enable":
		return setGateEnabled(args[1:], out, true)
	case "gate-disable":
		return setGateEnabled(args[1:], out, false)
	case "gate-action":
		return setGateAction(args[1:], out)
	case "approvals":
		return listApprovals(args[1:], out)
	case "decide":
		return decideApproval(args[1:], out)
	case "killswitch-activate":
		return killSwitchActivate(args[1:], out)
	case "killswitch-status":
		return killSwitchStatus(args[1:], out)
	case "killswitch-resume":
		return killSwitchResume(args[1:], out)
	case "tail":
		return tailDecisions(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "gatectl commands:")
	fmt.Fprintln(out, "  token --secret <s> --subject <who> [--roles operator] [--ttl-sec 3600]")
	fmt.Fprintln(out, "  gates --gateway <url> --token <t> [--target gateway]")
	fmt.Fprintln(out, "  gate-enable|gate-disable --gateway <url> --token <t> --gate <id> [--target gateway]")
	fmt.Fprintln(out, "  gate-action --gateway <url> --token <t> --gate <id> --action allow|ask|block [--target gateway]")
	fmt.Fprintln(out, "  approvals --gateway <url> --token <t>")
	fmt.Fprintln(out, "  decide --gateway <url> --token <t> --request <id> --kind allow-once|allow-always|deny")
	fmt.Fprintln(out, "  killswitch-activate --gateway <url> --token <t> [--reason <why>]")
	fmt.Fprintln(out, "  killswitch-status --gateway <url> --token <t>")
	fmt.Fprintln(out, "  killswitch-resume --gateway <url> --control-token <t> [--actor <who>]")
	fmt.Fprintln(out, "  tail --brokers <host:port,...> [--topic aeonsage.decisions] [--group gatectl-tail] [--max n]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func gatewayFlags(fs *flag.FlagSet) (gateway, token *string) {
	gateway = fs.String("gateway", "http://localhost:8080", "gateway base URL")
	token = fs.String("token", "", "operator bearer token")
	return gateway, token
}

func mintToken(args []string, out io.Writer) error {
	fs := newFlagSet("token")
	secret := fs.String("secret", "", "shared HS256 secret")
	subject := fs.String("subject", "", "token subject")
	roles := fs.String("roles", auth.RoleOperator, "comma separated roles")
	ttlSec := fs.Int("ttl-sec", 3600, "token lifetime in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *subject == "" {
		return errors.New("secret and subject required")
	}
	now := time.Now()
	claims := auth.TokenClaims{
		Sub:   *subject,
		Roles: splitRoles(*roles),
		Iat:   now.Unix(),
		Exp:   now.Add(time.Duration(*ttlSec) * time.Second).Unix(),
	}
	token, err := auth.SignHS256Token(claims, *secret)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}

func splitRoles(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func listGates(args []string, out io.Writer) error {
	fs := newFlagSet("gates")
	gateway, token := gatewayFlags(fs)
	target := fs.String("target", "gateway", "policy target")
	if err := fs.Parse(args); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/gates?target=%s", *gateway, *target)
	return call(out, http.MethodGet, url, nil, bearerHeaders(*token))
}

func setGateEnabled(args []string, out io.Writer, enabled bool) error {
	fs := newFlagSet("gate-enable")
	gateway, token := gatewayFlags(fs)
	gate := fs.String("gate", "", "gate id")
	target := fs.String("target", "gateway", "policy target")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gate == "" {
		return errors.New("gate required")
	}
	body, _ := json.Marshal(map[string]any{"target": *target, "enabled": enabled})
	url := fmt.Sprintf("%s/v1/gates/%s/enabled", *gateway, *gate)
	return call(out, http.MethodPost, url, body, bearerHeaders(*token))
}

func setGateAction(args []string, out io.Writer) error {
	fs := newFlagSet("gate-action")
	gateway, token := gatewayFlags(fs)
	gate := fs.String("gate", "", "gate id")
	action := fs.String("action", "", "allow, ask or block")
	target := fs.String("target", "gateway", "policy target")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gate == "" || *action == "" {
		return errors.New("gate and action required")
	}
	body, _ := json.Marshal(map[string]any{"target": *target, "action": *action})
	url := fmt.Sprintf("%s/v1/gates/%s/action", *gateway, *gate)
	return call(out, http.MethodPost, url, body, bearerHeaders(*token))
}

func listApprovals(args []string, out io.Writer) error {
	fs := newFlagSet("approvals")
	gateway, token := gatewayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return call(out, http.MethodGet, *gateway+"/v1/approvals", nil, bearerHeaders(*token))
}

func decideApproval(args []string, out io.Writer) error {
	fs := newFlagSet("decide")
	gateway, token := gatewayFlags(fs)
	request := fs.String("request", "", "approval request id")
	kind := fs.String("kind", "", "allow-once, allow-always or deny")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *request == "" || *kind == "" {
		return errors.New("request and kind required")
	}
	body, _ := json.Marshal(map[string]any{"kind": *kind})
	url := fmt.Sprintf("%s/v1/approvals/%s/decision", *gateway, *request)
	return call(out, http.MethodPost, url, body, bearerHeaders(*token))
}

func killSwitchActivate(args []string, out io.Writer) error {
	fs := newFlagSet("killswitch-activate")
	gateway, token := gatewayFlags(fs)
	reason := fs.String("reason", "", "activation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{"reason": *reason})
	return call(out, http.MethodPost, *gateway+"/v1/killswitch/activate", body, bearerHeaders(*token))
}

func killSwitchStatus(args []string, out io.Writer) error {
	fs := newFlagSet("killswitch-status")
	gateway, token := gatewayFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return call(out, http.MethodGet, *gateway+"/v1/killswitch", nil, bearerHeaders(*token))
}

// killSwitchResume speaks to the control surface, which takes the
// deployment token instead of a bearer token.
func killSwitchResume(args []string, out io.Writer) error {
	fs := newFlagSet("killswitch-resume")
	gateway := fs.String("gateway", "http://localhost:8080", "gateway base URL")
	controlToken := fs.String("control-token", "", "internal control token")
	actor := fs.String("actor", "", "actor id recorded with the resume")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *controlToken == "" {
		return errors.New("control-token required")
	}
	body, _ := json.Marshal(map[string]any{"actor_id": *actor})
	headers := map[string]string{"X-Internal-Token": *controlToken}
	return call(out, http.MethodPost, *gateway+"/v1/control/killswitch/resume", body, headers)
}

// newConsumerFn is swapped in tests.
var newConsumerFn = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
	return statebus.NewKafkaConsumer(cfg)
}

// tailDecisions follows the decision topic and prints one line per event,
// the same stream remote nodes consume.
func tailDecisions(args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", "", "comma separated kafka brokers")
	topic := fs.String("topic", "aeonsage.decisions", "decision topic")
	group := fs.String("group", "gatectl-tail", "consumer group id")
	max := fs.Int("max", 0, "stop after this many events, 0 means forever")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := newConsumerFn(statebus.KafkaConfig{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	for n := 0; *max == 0 || n < *max; n++ {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read decision event: %w", err)
		}
		var evt statebus.DecisionEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// Pass through anything on the topic we cannot decode.
			fmt.Fprintf(out, "%s\t%s\n", msg.Key, msg.Value)
			continue
		}
		fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n", evt.EmittedAtMs, evt.Kind, evt.Target, evt.Verdict, evt.Reason)
	}
	return nil
}

func bearerHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func call(out io.Writer, method, url string, body []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, respBody, err := httpx.RequestJSON(ctx, httpClient, method, url, body, headers, requestRetries, time.Second)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	fmt.Fprintln(out, string(respBody))
	if status >= 400 {
		return fmt.Errorf("%s %s: status %d", method, url, status)
	}
	return nil
}
