package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultServer = "http://localhost:8080"
)

type cliConfig struct {
	server     string
	tenantID   string
	actor      string
	jsonOutput bool
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(1)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if command == "" {
		printUsage()
		os.Exit(1)
	}

	client := NewAPIClient(cfg.server, cfg.tenantID, cfg.actor)
	ctx := context.Background()

	switch command {
	case "token":
		err = runToken(ctx, client, cfg, args)
	case "compile":
		err = runCompile(ctx, client, cfg, args)
	case "plan":
		err = runPlan(ctx, client, cfg, args)
	case "execute":
		err = runExecute(ctx, client, cfg, args)
	case "status":
		err = runStatus(ctx, client, cfg, args)
	case "pause":
		err = runControl(ctx, client, args, client.PauseExecution)
	case "resume":
		err = runControl(ctx, client, args, client.ResumeExecution)
	case "cancel":
		err = runControl(ctx, client, args, client.CancelExecution)
	case "approval":
		err = runApproval(ctx, client, cfg, args)
	case "audit":
		err = runAudit(ctx, client, cfg, args)
	case "version":
		fmt.Printf("anumatectl %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     defaultServer,
		tenantID:   os.Getenv("ANUMATE_TENANT_ID"),
		actor:      os.Getenv("ANUMATE_ACTOR"),
		jsonOutput: false,
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--tenant", "-t":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--tenant requires a value")
			}
			cfg.tenantID = args[idx+1]
			idx += 2
		case "--actor":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--actor requires a value")
			}
			cfg.actor = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: anumatectl [--server <url>] [--tenant <id>] [--actor <name>] [--json] <command>

Commands:
  token issue --subject <s> --caps <c1,c2> [--ttl <secs>]
                            Issue a capability-scoped token
  compile --file <capsule.json>
                            Compile a capsule into an executable plan
  plan <plan_hash>          Fetch a compiled plan by hash
  execute --plan <hash> [--approval] [--idempotency-key <key>] [--params <json>]
                            Start a run from a compiled plan
  status <run_id>           Show a run's status
  pause <run_id>            Pause a running execution
  resume <run_id>           Resume a paused execution
  cancel <run_id>           Cancel an execution
  approval create --run <id> --step <id> --approvers <a1,a2> [...]
                            Open an approval request
  approval approve <id> --actor <name> [--reason <text>]
  approval reject <id> --actor <name> [--reason <text>]
  approval delegate <id> --actor <name> --to <name>
  audit export [--format json|csv]
                            Export the audit trail
`)
}

func runToken(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 || args[0] != "issue" {
		return fmt.Errorf("usage: anumatectl token issue --subject <s> --caps <c1,c2> [--ttl <secs>]")
	}
	args = args[1:]

	subject := ""
	capsArg := ""
	ttlSecs := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--subject":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case "--caps":
			if i+1 >= len(args) {
				return fmt.Errorf("--caps requires a value")
			}
			capsArg = args[i+1]
			i++
		case "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("--ttl must be an integer: %w", err)
			}
			ttlSecs = v
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if subject == "" {
		return fmt.Errorf("--subject is required")
	}
	if capsArg == "" {
		return fmt.Errorf("--caps is required")
	}

	caps := parsePerms(capsArg)
	resp, err := client.IssueToken(ctx, subject, caps, ttlSecs)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	fmt.Printf("Token: %s\n", resp.Token)
	fmt.Printf("JTI: %s\n", resp.JTI)
	fmt.Printf("Expires: %s\n", resp.Exp)
	return nil
}

func runCompile(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	file := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--file" {
			if i+1 >= len(args) {
				return fmt.Errorf("--file requires a value")
			}
			file = args[i+1]
			i++
			continue
		}
		return fmt.Errorf("unknown flag: %s", args[i])
	}
	if file == "" {
		return fmt.Errorf("usage: anumatectl compile --file <capsule.json>")
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read capsule file: %w", err)
	}

	var body struct {
		Capsule map[string]any `json:"capsule"`
		Inputs  map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("parse capsule file: %w", err)
	}

	resp, err := client.Compile(ctx, body.Capsule, body.Inputs)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	fmt.Printf("Plan Hash: %s\n", resp.PlanHash)
	return nil
}

func runPlan(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: anumatectl plan <plan_hash>")
	}
	resp, err := client.GetPlan(ctx, args[0])
	if err != nil {
		return err
	}
	return PrintJSON(os.Stdout, resp)
}

func runExecute(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	planHash := ""
	requireApproval := false
	idempotencyKey := ""
	paramsArg := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			if i+1 >= len(args) {
				return fmt.Errorf("--plan requires a value")
			}
			planHash = args[i+1]
			i++
		case "--approval":
			requireApproval = true
		case "--idempotency-key":
			if i+1 >= len(args) {
				return fmt.Errorf("--idempotency-key requires a value")
			}
			idempotencyKey = args[i+1]
			i++
		case "--params":
			if i+1 >= len(args) {
				return fmt.Errorf("--params requires a value")
			}
			paramsArg = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if planHash == "" {
		return fmt.Errorf("--plan is required")
	}

	var params map[string]any
	if paramsArg != "" {
		if err := json.Unmarshal([]byte(paramsArg), &params); err != nil {
			return fmt.Errorf("parse --params: %w", err)
		}
	}

	resp, err := client.Execute(ctx, planHash, params, requireApproval, idempotencyKey)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	fmt.Printf("Run ID: %s\n", resp.RunID)
	fmt.Printf("Status: %s\n", ColorStatus(resp.Status))
	return nil
}

func runStatus(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: anumatectl status <run_id>")
	}
	resp, err := client.ExecutionStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}

	fmt.Printf("Run ID: %s\n", resp.RunID)
	fmt.Printf("Status: %s\n", ColorStatus(resp.Status))
	if resp.Results != nil {
		fmt.Println("Results:")
		return PrintJSON(os.Stdout, resp.Results)
	}
	return nil
}

func runControl(ctx context.Context, client *APIClient, args []string, op func(context.Context, string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: anumatectl <pause|resume|cancel> <run_id>")
	}
	if err := op(ctx, args[0]); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runApproval(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: anumatectl approval <create|approve|reject|delegate>")
	}

	switch args[0] {
	case "create":
		return runApprovalCreate(ctx, client, cfg, args[1:])
	case "approve":
		return runApprovalDecide(ctx, client, args[1:], true)
	case "reject":
		return runApprovalDecide(ctx, client, args[1:], false)
	case "delegate":
		return runApprovalDelegate(ctx, client, args[1:])
	default:
		return fmt.Errorf("unknown approval command: %s", args[0])
	}
}

func runApprovalCreate(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	var (
		runID, stepID, clarification, riskLevel, policy string
		minApprovers, deadlineSecs                      int
		approvers, escalateTo                           []string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			runID = nextArg(args, &i)
		case "--step":
			stepID = nextArg(args, &i)
		case "--clarification":
			clarification = nextArg(args, &i)
		case "--risk":
			riskLevel = nextArg(args, &i)
		case "--policy":
			policy = nextArg(args, &i)
		case "--min-approvers":
			v, err := strconv.Atoi(nextArg(args, &i))
			if err != nil {
				return fmt.Errorf("--min-approvers must be an integer: %w", err)
			}
			minApprovers = v
		case "--deadline":
			v, err := strconv.Atoi(nextArg(args, &i))
			if err != nil {
				return fmt.Errorf("--deadline must be an integer: %w", err)
			}
			deadlineSecs = v
		case "--approvers":
			approvers = parsePerms(nextArg(args, &i))
		case "--escalate-to":
			escalateTo = parsePerms(nextArg(args, &i))
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if runID == "" {
		return fmt.Errorf("--run is required")
	}
	if len(approvers) == 0 {
		return fmt.Errorf("--approvers is required")
	}

	resp, err := client.CreateApproval(ctx, runID, stepID, clarification, riskLevel, policy, minApprovers, approvers, escalateTo, deadlineSecs)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, resp)
	}
	fmt.Printf("Approval ID: %s\n", resp.ApprovalID)
	return nil
}

func runApprovalDecide(ctx context.Context, client *APIClient, args []string, approve bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: anumatectl approval <approve|reject> <id> --actor <name> [--reason <text>]")
	}
	id := args[0]
	args = args[1:]

	actor := ""
	reason := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--actor":
			actor = nextArg(args, &i)
		case "--reason":
			reason = nextArg(args, &i)
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if actor == "" {
		return fmt.Errorf("--actor is required")
	}

	if err := client.DecideApproval(ctx, id, approve, actor, reason); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runApprovalDelegate(ctx context.Context, client *APIClient, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: anumatectl approval delegate <id> --actor <name> --to <name>")
	}
	id := args[0]
	args = args[1:]

	actor := ""
	to := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--actor":
			actor = nextArg(args, &i)
		case "--to":
			to = nextArg(args, &i)
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if actor == "" || to == "" {
		return fmt.Errorf("--actor and --to are required")
	}

	if err := client.DelegateApproval(ctx, id, actor, to); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func runAudit(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 || args[0] != "export" {
		return fmt.Errorf("usage: anumatectl audit export [--format json|csv]")
	}
	args = args[1:]

	format := "json"
	for i := 0; i < len(args); i++ {
		if args[i] == "--format" {
			format = nextArg(args, &i)
			continue
		}
		return fmt.Errorf("unknown flag: %s", args[i])
	}

	out, err := client.AuditExport(ctx, format)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// nextArg consumes the argument following args[*i], advancing i past it.
// Returns "" if none follows; callers validate required fields afterward.
func nextArg(args []string, i *int) string {
	if *i+1 >= len(args) {
		*i++
		return ""
	}
	*i++
	v := args[*i]
	return v
}

func parsePerms(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := map[string]struct{}{}
	perms := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}

	return perms
}
