/*
Package kss stores certificate artifacts outside of the hub database.

There are two possible backends: the local filesystem and AWS S3. The CA
archives every issued device certificate through a driver so the issued
inventory survives a hub reinstall.
*/
package kss

import "fmt"

// Driver defines the interface for the artifact store
type Driver interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	List(prefix string) ([]string, error)
}

// DriverType represents the different types of artifact store drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no artifact store
const None DriverType = ""

// Configuration contains the configuration for the artifact store
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem driver
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the S3 driver
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
}

// NewDriver returns the driver for the given configuration, or nil when no
// driver is configured.
func NewDriver(c Configuration) (Driver, error) {
	switch c.DriverType {
	case DriverTypeLocal:
		if c.LocalConfiguration == nil {
			return nil, fmt.Errorf("local driver requires a LocalConfiguration")
		}
		return NewLocalFilesystem(c.LocalConfiguration.BasePath)
	case DriverTypeAWSS3:
		if c.S3Configuration == nil {
			return nil, fmt.Errorf("S3 driver requires a S3Configuration")
		}
		return NewS3(*c.S3Configuration)
	case None:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown driver type '%s'", c.DriverType)
}
