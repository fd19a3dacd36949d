// Copyright (c) 2014-2016 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// error instances
//
// Provides a single instance of errors to allow easy comparison
package fault

// error base
type GenericError string

// to allow for different classes of errors
type ExistsError GenericError
type InvalidError GenericError
type NotFoundError GenericError
type ProcessError GenericError
type TimeoutError GenericError
type VerificationError GenericError
type FatalError GenericError

// common errors - keep in alphabetic order
var (
	ErrAlreadyInitialised   = ProcessError("already initialised")
	ErrInvalidLoggerChannel = InvalidError("invalid logger channel")

	ErrInvalidKey           = InvalidError("invalid workspace key")
	ErrInvalidSignature     = InvalidError("invalid signature")
	ErrInvalidStructPointer = InvalidError("invalid struct pointer")
	ErrInvalidType          = InvalidError("invalid type")
	ErrInvalidConfigVersion = InvalidError("invalid config version")
	ErrInvalidChainHash     = VerificationError("invalid chain hash")
	ErrInvalidOperation     = InvalidError("invalid operation")

	ErrWorkspaceExists   = ExistsError("workspace already exists")
	ErrPathInUse         = ExistsError("path already in use")
	ErrWorkspaceNotFound = NotFoundError("workspace not found")
	ErrNotFoundConfigFile = NotFoundError("config file is not found")
	ErrBlockNotAvailable = NotFoundError("block not available")

	ErrNotWritable             = ProcessError("not a writer")
	ErrWriterAdmissionTimeout  = TimeoutError("writer admission timeout")
	ErrPullFromEmptyTimeout    = TimeoutError("initial peer discovery timeout")
	ErrReplicationVerification = VerificationError("replication verification failed")
	ErrTransportFailed         = ProcessError("transport failed")
	ErrIOFailed                = ProcessError("local I/O failed")
	ErrFatal                   = FatalError("fatal storage error")
	ErrReadOnlyLog             = ProcessError("log is read-only")
	ErrTruncationNotPermitted  = ProcessError("log truncation is not permitted")
	ErrAlreadyWatching         = ExistsError("workspace is already watching")
	ErrNotADirectory           = InvalidError("path is not a directory")
	ErrDaemonRequestTimeout    = TimeoutError("daemon IPC request timeout")

	ErrInvalidPortNumber = InvalidError("invalid port number")
	ErrAddrInfoIsNil     = InvalidError("address info is nil")
	ErrNoAddress         = InvalidError("no address provided")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e ExistsError) Error() string        { return string(e) }
func (e InvalidError) Error() string       { return string(e) }
func (e NotFoundError) Error() string      { return string(e) }
func (e ProcessError) Error() string       { return string(e) }
func (e TimeoutError) Error() string       { return string(e) }
func (e VerificationError) Error() string  { return string(e) }
func (e FatalError) Error() string         { return string(e) }

// determine the class of an error
func IsErrExists(e error) bool       { _, ok := e.(ExistsError); return ok }
func IsErrInvalid(e error) bool      { _, ok := e.(InvalidError); return ok }
func IsErrNotFound(e error) bool     { _, ok := e.(NotFoundError); return ok }
func IsErrProcess(e error) bool      { _, ok := e.(ProcessError); return ok }
func IsErrTimeout(e error) bool      { _, ok := e.(TimeoutError); return ok }
func IsErrVerification(e error) bool { _, ok := e.(VerificationError); return ok }
func IsErrFatal(e error) bool        { _, ok := e.(FatalError); return ok }
