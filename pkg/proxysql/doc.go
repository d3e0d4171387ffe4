// Package proxysql manages the routing tables of a cluster's ProxySQL
// instance: backend servers in the write (10) and read (20) hostgroups, the
// application user, and the read/write splitting rules.
//
// Statements reach the admin interface through an Admin. ExecAdmin runs the
// mysql client inside the proxy container and needs no network path from
// the control plane; SQLAdmin dials the admin port with go-sql-driver/mysql
// using the remote account that Router.Bootstrap installs.
package proxysql
