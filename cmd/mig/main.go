package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	server  = "http://localhost:19000/"
	jsonout = false
)

type (
	jmap      map[string]interface{}
	jmapSlice []jmap
)

func (j jmap) ID() string {
	return j["id"].(string)
}

func (j jmap) String() string {
	buf, err := json.Marshal(&j)
	if err != nil {
		return ""
	}
	return string(buf)
}

func (j jmap) Print() {
	if jsonout {
		fmt.Println(j)
	} else {
		fmt.Println(j.ID())
	}
}

func (js jmapSlice) Len() int {
	return len(js)
}

func (js jmapSlice) Less(i, j int) bool {
	return js[i].ID() < js[j].ID()
}

func (js jmapSlice) Swap(i, j int) {
	js[j], js[i] = js[i], js[j]
}

func assertID(id string) {
	if uuid := uuid.Parse(id); uuid == nil {
		log.WithField("id", id).Fatal("invalid id")
	}
}

func assertSpec(spec string) {
	j := jmap{}
	if err := json.Unmarshal([]byte(spec), &j); err != nil {
		log.WithFields(log.Fields{
			"spec":  spec,
			"error": err,
		}).Fatal("invalid spec")
	}
}

func help(cmd *cobra.Command, _ []string) {
	_ = cmd.Help()
}

func getMigrations(c *client, endpoint string) []jmap {
	ret := c.getMany("migrations", endpoint)
	jobs := make([]jmap, len(ret))
	for i := range ret {
		jobs[i] = ret[i]
	}
	return jobs
}

func list(cmd *cobra.Command, ids []string) {
	c := newClient(server)
	jobs := []jmap{}

	if len(ids) == 0 {
		jobs = getMigrations(c, "migrations")
		sort.Sort(jmapSlice(jobs))
	} else {
		for _, id := range ids {
			assertID(id)
			jobs = append(jobs, c.get("migration", "migrations/"+id))
		}
	}

	for _, job := range jobs {
		job.Print()
	}
}

func active(cmd *cobra.Command, _ []string) {
	c := newClient(server)
	for _, job := range getMigrations(c, "migrations/active") {
		job.Print()
	}
}

func start(cmd *cobra.Command, specs []string) {
	c := newClient(server)
	for _, spec := range specs {
		assertSpec(spec)
		job := jmap(c.post("migration", "migrations", spec))
		job.Print()
	}
}

func cancel(cmd *cobra.Command, ids []string) {
	c := newClient(server)
	for _, id := range ids {
		assertID(id)
		job := jmap(c.del("migration", "migrations/"+id))
		job.Print()
	}
}

func stats(cmd *cobra.Command, ids []string) {
	c := newClient(server)
	for _, id := range ids {
		assertID(id)
		fmt.Println(jmap(c.get("stats", "migrations/"+id+"/stats")))
	}
}

func health(cmd *cobra.Command, ids []string) {
	c := newClient(server)
	for _, id := range ids {
		assertID(id)
		fmt.Println(jmap(c.get("health report", "migrations/"+id+"/health")))
	}
}

func rollback(cmd *cobra.Command, ids []string) {
	c := newClient(server)
	run, _ := cmd.Flags().GetBool("run")
	for _, id := range ids {
		assertID(id)
		var report jmap
		if run {
			report = c.post("rollback", "migrations/"+id+"/rollback", "")
		} else {
			report = c.get("rollback", "migrations/"+id+"/rollback")
		}
		fmt.Println(report)
	}
}

func config(cmd *cobra.Command, args []string) {
	c := newClient(server)
	if len(args) == 0 {
		fmt.Println(jmap(c.get("config", "config")))
		return
	}
	for _, spec := range args {
		assertSpec(spec)
		fmt.Println(jmap(c.patch("config", "config", spec)))
	}
}

func main() {
	root := &cobra.Command{
		Use:   "mig",
		Short: "mig is the cli interface to cmigrationd",
		Run:   help,
	}
	root.PersistentFlags().BoolVarP(&jsonout, "jsonout", "j", jsonout, "output in json")
	root.PersistentFlags().StringVarP(&server, "server", "s", server, "server address to connect to")

	cmdList := &cobra.Command{
		Use:   "list [<id>...]",
		Short: "List the migration jobs",
		Run:   list,
	}

	cmdActive := &cobra.Command{
		Use:   "active",
		Short: "List the migrations currently running",
		Run:   active,
	}

	cmdStart := &cobra.Command{
		Use:   "start <spec>...",
		Short: "Start migrations",
		Long:  `Start new migration(s) using "spec"(s) as the request. Where "spec" is a valid json string.`,
		Run:   start,
	}

	cmdCancel := &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel migrations",
		Run:   cancel,
	}

	cmdStats := &cobra.Command{
		Use:   "stats <id>...",
		Short: "Show migration transfer statistics",
		Run:   stats,
	}

	cmdHealth := &cobra.Command{
		Use:   "health <id>...",
		Short: "Show post-migration health reports",
		Run:   health,
	}

	cmdRollback := &cobra.Command{
		Use:   "rollback <id>...",
		Short: "Show rollback reports",
		Run:   rollback,
	}
	cmdRollback.Flags().Bool("run", false, "trigger a rollback instead of fetching the report")

	cmdConfig := &cobra.Command{
		Use:   "config [<spec>]",
		Short: "Get or modify migration policy",
		Long:  `With no arguments, print the current policy. With a json "spec", patch it.`,
		Run:   config,
	}

	root.AddCommand(cmdList, cmdActive, cmdStart, cmdCancel, cmdStats, cmdHealth, cmdRollback, cmdConfig)
	_ = root.Execute()
}
