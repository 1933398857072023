/*
Package config holds the configuration file definition for the message
ingestion and transcoding core.

The configuration file is in "sconf" format, see
https://pkg.go.dev/github.com/mjl-/sconf. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

The configuration is read once by the embedding program with Load and passed
explicitly to the collector, header and transcoder code. Zero values of
optional fields are replaced with the defaults from Default.

An example with all fields and their documentation is printed by "mtacore
config describe".
*/
package config
