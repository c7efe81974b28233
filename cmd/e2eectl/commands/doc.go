// Package commands defines the e2eectl operator CLI.
//
// Commands
//
//   - export decrypt   Decrypt an armored room key export and print its JSON
//   - qr decode        Print the fields of a verification QR payload
//   - recovery new     Generate a fresh backup recovery key
//   - recovery derive  Derive a recovery key from a passphrase
//   - device keys      Unlock a local store and print the device identity keys
//
// Commands that touch a local store read the TOML file given with --config, if any, before applying
// the --home flag.
package commands
