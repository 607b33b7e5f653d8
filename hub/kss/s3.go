package kss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edgeberry/devicehub/core/logger"
)

// S3 is the implementation of the Driver for AWS S3
type S3 struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3
func NewS3(kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	options := []func(*config.LoadOptions) error{config.WithRegion(kssConfig.AWSRegion)}
	if kssConfig.AccessID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}

	matched, _ := regexp.MatchString(`^[a-zA-Z0-9!\-_.*'()/]*$`, kssConfig.KeyPrefix)
	if !matched {
		return nil, fmt.Errorf("only a-zA-Z0-9!-_.*'()/ characters are allowed in the key prefix '%s'", kssConfig.KeyPrefix)
	}

	logger.Default().Infoln("artifact store on S3 with basekey", kssConfig.KeyPrefix)
	return &S3{
		config:      cfg,
		bucket:      kssConfig.AWSBucketName,
		baseKeyName: kssConfig.KeyPrefix,
	}, nil
}

// Put uploads the key file
func (s *S3) Put(key string, data []byte) error {
	client := s3.NewFromConfig(s.config)
	uploader := manager.NewUploader(client)
	_, err := uploader.Upload(context.TODO(), &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Get downloads the key file
func (s *S3) Get(key string) ([]byte, error) {
	client := s3.NewFromConfig(s.config)
	out, err := client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Delete deletes the key file
func (s *S3) Delete(key string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.baseKeyName + key),
	})
	return err
}

// List returns all keys below the prefix
func (s *S3) List(prefix string) ([]string, error) {
	client := s3.NewFromConfig(s.config)
	keys := []string{}
	var continuationToken *string
	for {
		out, err := client.ListObjectsV2(context.TODO(), &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            aws.String(s.baseKeyName + prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, (*obj.Key)[len(s.baseKeyName):])
			}
		}
		if out.IsTruncated {
			continuationToken = out.NextContinuationToken
			continue
		}
		return keys, nil
	}
}
