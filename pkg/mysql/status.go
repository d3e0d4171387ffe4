package mysql

import (
	"bufio"
	"strconv"
	"strings"
)

// ReplicaStatus is the subset of SHOW REPLICA STATUS the control plane uses
type ReplicaStatus struct {
	SourceHost    string `json:"source_host"`
	IORunning     bool   `json:"io_running"`
	SQLRunning    bool   `json:"sql_running"`
	SecondsBehind *int   `json:"seconds_behind,omitempty"`
	RetrievedGTID string `json:"retrieved_gtid_set,omitempty"`
	ExecutedGTID  string `json:"executed_gtid_set,omitempty"`
	LastIOError   string `json:"last_io_error,omitempty"`
	LastSQLError  string `json:"last_sql_error,omitempty"`
}

// Healthy reports whether both replication threads are running
func (s *ReplicaStatus) Healthy() bool {
	return s.IORunning && s.SQLRunning
}

// ParseReplicaStatus parses the vertical (\G) output of SHOW REPLICA STATUS.
// ok is false for empty output, i.e. a server that is not a replica.
func ParseReplicaStatus(out string) (*ReplicaStatus, bool) {
	fields := make(map[string]string)
	var last string

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "***") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		trimmedKey := strings.TrimSpace(key)
		// GTID sets wrap onto continuation lines without a key
		if !found || !isField(trimmedKey) {
			if last != "" {
				fields[last] += strings.TrimSpace(line)
			}
			continue
		}
		last = trimmedKey
		fields[last] = strings.TrimSpace(value)
	}

	if len(fields) == 0 {
		return nil, false
	}

	s := &ReplicaStatus{
		SourceHost:    fields["Source_Host"],
		IORunning:     fields["Replica_IO_Running"] == "Yes",
		SQLRunning:    fields["Replica_SQL_Running"] == "Yes",
		RetrievedGTID: fields["Retrieved_Gtid_Set"],
		ExecutedGTID:  fields["Executed_Gtid_Set"],
		LastIOError:   fields["Last_IO_Error"],
		LastSQLError:  fields["Last_SQL_Error"],
	}
	if v, err := strconv.Atoi(fields["Seconds_Behind_Source"]); err == nil {
		s.SecondsBehind = &v
	}
	return s, true
}

func isField(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
